package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"course-checkout/internal/models"
)

const enrollmentColumns = "id, user_id, course_id, enrolled_at, progress, is_completed, completed_at"

// CreateEnrollmentIfAbsent inserts an enrollment unless the (user, course)
// pair already has one. enrollment is filled with the stored row.
func (s *Store) CreateEnrollmentIfAbsent(ctx context.Context, enrollment *models.Enrollment) (bool, error) {
	query := `
		INSERT INTO enrollments (user_id, course_id, progress, is_completed)
		VALUES ($1, $2, 0, FALSE)
		ON CONFLICT (user_id, course_id) DO NOTHING
		RETURNING ` + enrollmentColumns

	err := s.db.GetContext(ctx, enrollment, query, enrollment.UserID, enrollment.CourseID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to insert enrollment: %w", err)
	}

	existing, err := s.GetEnrollment(ctx, enrollment.UserID, enrollment.CourseID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("enrollment for user %d course %d vanished after conflict",
			enrollment.UserID, enrollment.CourseID)
	}
	*enrollment = *existing
	return false, nil
}

// GetEnrollment retrieves the enrollment for a (user, course) pair, nil if none
func (s *Store) GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.db.GetContext(ctx, &enrollment,
		"SELECT "+enrollmentColumns+" FROM enrollments WHERE user_id = $1 AND course_id = $2",
		userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	return &enrollment, nil
}
