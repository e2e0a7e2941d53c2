// Package mongo implements the store interface on MongoDB. Session state
// transitions use conditional single-document updates, which MongoDB
// applies atomically. Settlement is the one multi-document step, so it
// runs inside a driver transaction (requires a replica set, which Atlas
// and modern standalone deployments via mongod --replSet provide).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/murphlabs/tally"
	"github.com/murphlabs/tally/course"
	"github.com/murphlabs/tally/id"
	"github.com/murphlabs/tally/review"
	"github.com/murphlabs/tally/session"
	"github.com/murphlabs/tally/settlement"
	tallystore "github.com/murphlabs/tally/store"
)

// Collection name constants.
const (
	colCourses     = "tally_courses"
	colSessions    = "tally_sessions"
	colSettlements = "tally_settlements"
	colProgress    = "tally_progress"
	colReviews     = "tally_reviews"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New wraps an existing client and database name.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Open connects to the given URI and verifies connectivity.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("tally/mongo: ping: %w", err)
	}
	return New(client, database), nil
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colCourses: {
			{Keys: bson.D{{Key: "teacher_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colSessions: {
			{Keys: bson.D{{Key: "student_id", Value: 1}}},
			{Keys: bson.D{{Key: "teacher_id", Value: 1}}},
			{Keys: bson.D{{Key: "state", Value: 1}}},
		},
		colSettlements: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "teacher_id", Value: 1}, {Key: "settled_at", Value: -1}}},
			{Keys: bson.D{{Key: "teacher_paid", Value: 1}, {Key: "settled_at", Value: 1}}},
		},
		colProgress: {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "reported_at", Value: 1}}},
		},
		colReviews: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "teacher_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
	for col, models := range indexes {
		if _, err := s.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: %s indexes: %v", tally.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// Course methods

func (s *Store) CreateCourse(ctx context.Context, c *course.Course) error {
	_, err := s.col(colCourses).InsertOne(ctx, toCourseModel(c))
	if mongo.IsDuplicateKeyError(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetCourse(ctx context.Context, courseID id.CourseID) (*course.Course, error) {
	var m courseModel
	err := s.col(colCourses).FindOne(ctx, bson.M{"_id": courseID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromCourseModel(&m)
}

func (s *Store) ListCourses(ctx context.Context, opts course.ListOpts) ([]*course.Course, error) {
	filter := bson.M{}
	if opts.TeacherID != "" {
		filter["teacher_id"] = opts.TeacherID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Topic != "" {
		filter["topic"] = opts.Topic
	}
	if opts.SkillLevel != "" {
		filter["skill_level"] = opts.SkillLevel
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.col(colCourses).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*course.Course
	for cur.Next(ctx) {
		var m courseModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		c, err := fromCourseModel(&m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (s *Store) UpdateCourse(ctx context.Context, c *course.Course) error {
	m := toCourseModel(c)
	m.UpdatedAt = time.Now()
	res, err := s.col(colCourses).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tally.ErrCourseNotFound
	}
	return nil
}

func (s *Store) ArchiveCourse(ctx context.Context, courseID id.CourseID) error {
	res, err := s.col(colCourses).UpdateOne(ctx,
		bson.M{"_id": courseID.String()},
		bson.M{"$set": bson.M{"status": string(course.StatusArchived), "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tally.ErrCourseNotFound
	}
	return nil
}

// Session methods

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.col(colSessions).InsertOne(ctx, toSessionModel(sess))
	if mongo.IsDuplicateKeyError(err) {
		return tally.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID id.SessionID) (*session.Session, error) {
	var m sessionModel
	err := s.col(colSessions).FindOne(ctx, bson.M{"_id": sessionID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromSessionModel(&m)
}

func (s *Store) ListSessions(ctx context.Context, opts session.ListOpts) ([]*session.Session, error) {
	filter := bson.M{}
	if opts.StudentID != "" {
		filter["student_id"] = opts.StudentID
	}
	if opts.TeacherID != "" {
		filter["teacher_id"] = opts.TeacherID
	}
	if !opts.CourseID.IsNil() {
		filter["course_id"] = opts.CourseID.String()
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.col(colSessions).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*session.Session
	for cur.Next(ctx) {
		var m sessionModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		sess, err := fromSessionModel(&m)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, cur.Err()
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*session.Session, error) {
	return s.ListSessions(ctx, session.ListOpts{State: session.StateActive})
}

func (s *Store) transitionErr(ctx context.Context, sessionID id.SessionID, want session.State) error {
	var m struct {
		State string `bson:"state"`
	}
	err := s.col(colSessions).FindOne(ctx,
		bson.M{"_id": sessionID.String()},
		options.FindOne().SetProjection(bson.M{"state": 1}),
	).Decode(&m)
	if isNoDocuments(err) {
		return tally.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	switch session.State(m.State) {
	case session.StateActive:
		if want == session.StateActive {
			return tally.ErrSessionAlreadyActive
		}
		return tally.ErrSessionNotAuthorized
	case session.StateCancelled:
		return tally.ErrSessionAlreadyCancelled
	case session.StateSettled:
		if want == session.StateSettled {
			return tally.ErrSessionNotActive
		}
		return tally.ErrSessionAlreadySettled
	default:
		if want == session.StateSettled {
			return tally.ErrSessionNotActive
		}
		return tally.ErrSessionNotAuthorized
	}
}

func (s *Store) ActivateSession(ctx context.Context, sessionID id.SessionID, startedAt time.Time) error {
	res, err := s.col(colSessions).UpdateOne(ctx,
		bson.M{"_id": sessionID.String(), "state": string(session.StateAuthorized)},
		bson.M{"$set": bson.M{
			"state":      string(session.StateActive),
			"started_at": startedAt,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.transitionErr(ctx, sessionID, session.StateActive)
	}
	return nil
}

func (s *Store) CancelSession(ctx context.Context, sessionID id.SessionID, cancelledAt time.Time) error {
	res, err := s.col(colSessions).UpdateOne(ctx,
		bson.M{"_id": sessionID.String(), "state": string(session.StateAuthorized)},
		bson.M{"$set": bson.M{
			"state":        string(session.StateCancelled),
			"cancelled_at": cancelledAt,
			"updated_at":   time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return s.transitionErr(ctx, sessionID, session.StateCancelled)
	}
	return nil
}

// SettleSession flips active -> settled and inserts the record in one
// multi-document transaction. The conditional update is the race arbiter:
// only the caller that flips the state inserts, and the transaction keeps
// a settled session from ever existing without its settlement record.
func (s *Store) SettleSession(ctx context.Context, sessionID id.SessionID, rec *settlement.Record) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: %v", tally.ErrTransactionFailed, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (interface{}, error) {
		res, err := s.col(colSessions).UpdateOne(ctx,
			bson.M{"_id": sessionID.String(), "state": string(session.StateActive)},
			bson.M{"$set": bson.M{
				"state":      string(session.StateSettled),
				"ended_at":   rec.SettledAt,
				"updated_at": time.Now(),
			}},
		)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, s.transitionErr(ctx, sessionID, session.StateSettled)
		}
		if _, err := s.col(colSettlements).InsertOne(ctx, toSettlementModel(rec)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (s *Store) CompleteCheckpoint(ctx context.Context, sessionID id.SessionID, seq, score, total int, at time.Time) error {
	res, err := s.col(colSessions).UpdateOne(ctx,
		bson.M{"_id": sessionID.String(), "checkpoints.seq": seq},
		bson.M{"$set": bson.M{
			"checkpoints.$.completed":       true,
			"checkpoints.$.score":           score,
			"checkpoints.$.total_questions": total,
			"checkpoints.$.completed_at":    at,
			"updated_at":                    time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return tally.ErrNotFound
	}
	return nil
}

// Settlement methods

func (s *Store) GetSettlement(ctx context.Context, sessionID id.SessionID) (*settlement.Record, error) {
	var m settlementModel
	err := s.col(colSettlements).FindOne(ctx, bson.M{"session_id": sessionID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromSettlementModel(&m)
}

func (s *Store) listSettlements(ctx context.Context, filter bson.M, findOpts *options.FindOptionsBuilder) ([]*settlement.Record, error) {
	cur, err := s.col(colSettlements).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*settlement.Record
	for cur.Next(ctx) {
		var m settlementModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		rec, err := fromSettlementModel(&m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func (s *Store) ListSettlementsByTeacher(ctx context.Context, teacherID string, opts settlement.ListOpts) ([]*settlement.Record, error) {
	filter := bson.M{"teacher_id": teacherID}
	if !opts.Since.IsZero() {
		filter["settled_at"] = bson.M{"$gte": opts.Since}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "settled_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return s.listSettlements(ctx, filter, findOpts)
}

func (s *Store) ListUnpaidSettlements(ctx context.Context, limit int) ([]*settlement.Record, error) {
	filter := bson.M{"teacher_paid": false, "amount_charged": bson.M{"$gt": 0}}
	findOpts := options.Find().SetSort(bson.D{{Key: "settled_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.listSettlements(ctx, filter, findOpts)
}

func (s *Store) MarkTeacherPaid(ctx context.Context, settlementID id.SettlementID, paidAt time.Time) error {
	res, err := s.col(colSettlements).UpdateOne(ctx,
		bson.M{"_id": settlementID.String()},
		bson.M{"$set": bson.M{"teacher_paid": true, "paid_at": paidAt, "updated_at": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tally.ErrSettlementNotFound
	}
	return nil
}

func (s *Store) RecordPayoutAttempt(ctx context.Context, settlementID id.SettlementID) error {
	res, err := s.col(colSettlements).UpdateOne(ctx,
		bson.M{"_id": settlementID.String()},
		bson.M{
			"$inc": bson.M{"payout_attempts": 1},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tally.ErrSettlementNotFound
	}
	return nil
}

// Progress methods

func (s *Store) InsertProgressBatch(ctx context.Context, reports []*session.ProgressReport) error {
	if len(reports) == 0 {
		return nil
	}
	docs := make([]any, 0, len(reports))
	for _, rep := range reports {
		docs = append(docs, &progressModel{
			ID:             rep.ID.String(),
			SessionID:      rep.SessionID.String(),
			ElapsedSeconds: rep.ElapsedSeconds,
			ReportedAt:     rep.ReportedAt,
		})
	}
	_, err := s.col(colProgress).InsertMany(ctx, docs)
	return err
}

func (s *Store) QueryProgress(ctx context.Context, sessionID id.SessionID, opts session.ProgressQueryOpts) ([]*session.ProgressReport, error) {
	filter := bson.M{"session_id": sessionID.String()}
	if !opts.Start.IsZero() || !opts.End.IsZero() {
		window := bson.M{}
		if !opts.Start.IsZero() {
			window["$gte"] = opts.Start
		}
		if !opts.End.IsZero() {
			window["$lte"] = opts.End
		}
		filter["reported_at"] = window
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "reported_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.col(colProgress).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*session.ProgressReport
	for cur.Next(ctx) {
		var m progressModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		rep := &session.ProgressReport{
			ElapsedSeconds: m.ElapsedSeconds,
			ReportedAt:     m.ReportedAt,
		}
		if rep.ID, err = id.ParseProgressID(m.ID); err != nil {
			return nil, err
		}
		if rep.SessionID, err = id.ParseSessionID(m.SessionID); err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, cur.Err()
}

// Review methods

func (s *Store) CreateReview(ctx context.Context, r *review.Review) error {
	_, err := s.col(colReviews).InsertOne(ctx, toReviewModel(r))
	if mongo.IsDuplicateKeyError(err) {
		return tally.ErrReviewExists
	}
	return err
}

func (s *Store) GetReviewBySession(ctx context.Context, sessionID id.SessionID) (*review.Review, error) {
	var m reviewModel
	err := s.col(colReviews).FindOne(ctx, bson.M{"session_id": sessionID.String()}).Decode(&m)
	if isNoDocuments(err) {
		return nil, tally.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromReviewModel(&m)
}

func (s *Store) ListReviewsByTeacher(ctx context.Context, teacherID string, opts review.ListOpts) ([]*review.Review, error) {
	filter := bson.M{"teacher_id": teacherID}
	if opts.OnlyCredible {
		filter["credibility"] = bson.M{"$gte": 60}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.col(colReviews).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*review.Review
	for cur.Next(ctx) {
		var m reviewModel
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		r, err := fromReviewModel(&m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *Store) SetReviewClassification(ctx context.Context, reviewID id.ReviewID, class *review.Classification) error {
	res, err := s.col(colReviews).UpdateOne(ctx,
		bson.M{"_id": reviewID.String()},
		bson.M{"$set": bson.M{
			"classification": &classificationModel{
				Side:     string(class.Side),
				OneLiner: class.OneLiner,
				Model:    class.Model,
			},
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return tally.ErrReviewNotFound
	}
	return nil
}
