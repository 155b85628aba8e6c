package canvas

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

// Profile is the Canvas user the token belongs to.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PrimaryEmail string `json:"primary_email,omitempty"`
	LoginID      string `json:"login_id,omitempty"`
}

// Course is one active enrollment.
type Course struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code,omitempty"`
	Term       string `json:"term,omitempty"`
}

// Assignment is one course assignment.
type Assignment struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DueAt          string  `json:"due_at,omitempty"`
	PointsPossible float64 `json:"points_possible"`
	HTMLURL        string  `json:"html_url,omitempty"`
}

// Grade is the caller's standing in one course.
type Grade struct {
	CourseID     string  `json:"course_id"`
	CurrentScore float64 `json:"current_score"`
	CurrentGrade string  `json:"current_grade,omitempty"`
	FinalScore   float64 `json:"final_score"`
}

// Announcement is one course announcement.
type Announcement struct {
	ID       string `json:"id"`
	CourseID string `json:"course_id"`
	Title    string `json:"title"`
	Message  string `json:"message,omitempty"`
	PostedAt string `json:"posted_at,omitempty"`
}

// Self verifies a token by fetching the profile of its owner. This is
// the call token-login uses to prove a submitted Canvas token works.
func (c *Client) Self(ctx context.Context, domain, token string) (*Profile, error) {
	body, err := c.get(ctx, domain, token, "/api/v1/users/self/profile", nil)
	if err != nil {
		return nil, err
	}

	root := gjson.ParseBytes(body)
	if !root.Get("id").Exists() {
		return nil, fmt.Errorf("%w: profile response missing id", bridgeerrors.ErrUpstream)
	}

	return &Profile{
		ID:           root.Get("id").String(),
		Name:         root.Get("name").String(),
		PrimaryEmail: root.Get("primary_email").String(),
		LoginID:      root.Get("login_id").String(),
	}, nil
}

// ActiveCourses lists the user's active enrollments.
func (c *Client) ActiveCourses(ctx context.Context, domain, token string) ([]Course, error) {
	q := url.Values{}
	q.Set("enrollment_state", "active")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("include[]", "term")

	body, err := c.get(ctx, domain, token, "/api/v1/courses", q)
	if err != nil {
		return nil, err
	}

	var courses []Course
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		courses = append(courses, Course{
			ID:         v.Get("id").String(),
			Name:       v.Get("name").String(),
			CourseCode: v.Get("course_code").String(),
			Term:       v.Get("term.name").String(),
		})
		return true
	})

	return courses, nil
}

// Assignments lists assignments for one course.
func (c *Client) Assignments(ctx context.Context, domain, token, courseID string) ([]Assignment, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("order_by", "due_at")

	body, err := c.get(ctx, domain, token, "/api/v1/courses/"+url.PathEscape(courseID)+"/assignments", q)
	if err != nil {
		return nil, err
	}

	var assignments []Assignment
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		assignments = append(assignments, Assignment{
			ID:             v.Get("id").String(),
			Name:           v.Get("name").String(),
			DueAt:          v.Get("due_at").String(),
			PointsPossible: v.Get("points_possible").Float(),
			HTMLURL:        v.Get("html_url").String(),
		})
		return true
	})

	return assignments, nil
}

// Grades returns the caller's enrollment grades for one course.
func (c *Client) Grades(ctx context.Context, domain, token, courseID string) ([]Grade, error) {
	q := url.Values{}
	q.Set("user_id", "self")

	body, err := c.get(ctx, domain, token, "/api/v1/courses/"+url.PathEscape(courseID)+"/enrollments", q)
	if err != nil {
		return nil, err
	}

	var grades []Grade
	gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
		g := v.Get("grades")
		if !g.Exists() {
			return true
		}
		grades = append(grades, Grade{
			CourseID:     courseID,
			CurrentScore: g.Get("current_score").Float(),
			CurrentGrade: g.Get("current_grade").String(),
			FinalScore:   g.Get("final_score").Float(),
		})
		return true
	})

	return grades, nil
}

// Announcements fans out across the given courses and aggregates their
// announcements since the cutoff. A failed per-course call is excluded
// from the aggregate rather than aborting the whole request.
func (c *Client) Announcements(ctx context.Context, domain, token string, courseIDs []string, since time.Time) ([]Announcement, []string, error) {
	var (
		all    []Announcement
		failed []string
	)

	for _, courseID := range courseIDs {
		q := url.Values{}
		q.Set("context_codes[]", "course_"+courseID)
		q.Set("per_page", strconv.Itoa(perPage))
		if !since.IsZero() {
			q.Set("start_date", since.UTC().Format("2006-01-02"))
		}

		body, err := c.get(ctx, domain, token, "/api/v1/announcements", q)
		if err != nil {
			failed = append(failed, courseID)
			continue
		}

		gjson.ParseBytes(body).ForEach(func(_, v gjson.Result) bool {
			all = append(all, Announcement{
				ID:       v.Get("id").String(),
				CourseID: courseID,
				Title:    v.Get("title").String(),
				Message:  v.Get("message").String(),
				PostedAt: v.Get("posted_at").String(),
			})
			return true
		})
	}

	return all, failed, nil
}
