// Package mcpserver registers MCP tools that expose Canvas data for the
// authenticated user. It adapts the canvas client to the MCP SDK's tool
// handler interface; every call resolves the caller's stored credentials
// and decrypts the Canvas token only for the duration of the request.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edubridge/canvas-mcp/internal/auth"
	"github.com/edubridge/canvas-mcp/internal/canvas"
	"github.com/edubridge/canvas-mcp/internal/crypto"
	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
	"github.com/edubridge/canvas-mcp/internal/store"
)

// defaultAnnouncementDays is the lookback window when the caller does
// not specify one.
const defaultAnnouncementDays = 14

// Deps carries what the tool handlers need.
type Deps struct {
	Store  *store.Store
	Sealer *crypto.Sealer
	Canvas *canvas.Client
	Logger *slog.Logger
}

// RegisterTools adds all Canvas tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "canvas_user_profile",
		Description: "Get the Canvas profile of the authenticated user (name, login, primary email).",
	}, profileHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "canvas_list_courses",
		Description: "List the user's active course enrollments with course codes and terms. Use this first to discover course IDs for the other tools.",
	}, coursesHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "canvas_list_assignments",
		Description: "List assignments for one course: name, due date, points possible, and a link.",
	}, assignmentsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "canvas_course_grade",
		Description: "Get the user's current standing in one course (current/final score and letter grade).",
	}, gradeHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "canvas_list_announcements",
		Description: "List recent announcements. Covers all active courses unless course_ids narrows the set; days controls the lookback window (default 14).",
	}, announcementsHandler(deps))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ProfileInput has no parameters.
type ProfileInput struct{}

// CoursesInput has no parameters.
type CoursesInput struct{}

// AssignmentsInput holds parameters for canvas_list_assignments.
type AssignmentsInput struct {
	CourseID string `json:"course_id" jsonschema:"required,Canvas course ID"`
}

// GradeInput holds parameters for canvas_course_grade.
type GradeInput struct {
	CourseID string `json:"course_id" jsonschema:"required,Canvas course ID"`
}

// AnnouncementsInput holds parameters for canvas_list_announcements.
type AnnouncementsInput struct {
	CourseIDs []string `json:"course_ids,omitempty" jsonschema:"course IDs to cover, defaults to all active courses"`
	Days      int      `json:"days,omitempty" jsonschema:"lookback window in days, defaults to 14"`
}

// --- Output types ---

// CoursesResult lists active enrollments.
type CoursesResult struct {
	Courses []canvas.Course `json:"courses"`
}

// AssignmentsResult lists one course's assignments.
type AssignmentsResult struct {
	CourseID    string              `json:"course_id"`
	Assignments []canvas.Assignment `json:"assignments"`
}

// GradeResult carries the user's standing in one course.
type GradeResult struct {
	CourseID string         `json:"course_id"`
	Grades   []canvas.Grade `json:"grades"`
}

// AnnouncementsResult lists announcements; courses that failed to
// answer are named rather than failing the whole call.
type AnnouncementsResult struct {
	Announcements []canvas.Announcement `json:"announcements"`
	FailedCourses []string              `json:"failed_courses,omitempty"`
}

// credentials resolves the authenticated caller to their Canvas domain
// and a freshly decrypted token. The plaintext token lives only on the
// call stack.
func (d *Deps) credentials(ctx context.Context) (userID, domain, token string, err error) {
	userID = auth.RequestUserID(ctx)
	if userID == "" {
		return "", "", "", bridgeerrors.ErrUnauthenticated
	}

	user, err := d.Store.UserByID(ctx, userID)
	if err != nil {
		return "", "", "", fmt.Errorf("loading user: %w", err)
	}

	if !user.Linked() {
		return "", "", "", errors.New("no Canvas account linked; connect a Canvas token first")
	}

	token, err = d.Sealer.Open(*user.AccessTokenEnc)
	if err != nil {
		return "", "", "", fmt.Errorf("unsealing Canvas token: %w", err)
	}

	return userID, *user.CanvasDomain, token, nil
}

func (d *Deps) logUsage(ctx context.Context, userID, tool string) {
	if err := d.Store.LogToolUsage(ctx, userID, tool); err != nil {
		d.Logger.Warn("recording tool usage failed",
			slog.String("tool", tool),
			slog.String("error", err.Error()),
		)
	}
}

// --- Handlers ---

func profileHandler(d *Deps) mcp.ToolHandlerFor[ProfileInput, *canvas.Profile] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ProfileInput) (*mcp.CallToolResult, *canvas.Profile, error) {
		userID, domain, token, err := d.credentials(ctx)
		if err != nil {
			return nil, nil, err
		}

		profile, err := d.Canvas.Self(ctx, domain, token)
		if err != nil {
			return nil, nil, err
		}

		d.logUsage(ctx, userID, "canvas_user_profile")

		return textResult(profile), profile, nil
	}
}

func coursesHandler(d *Deps) mcp.ToolHandlerFor[CoursesInput, *CoursesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CoursesInput) (*mcp.CallToolResult, *CoursesResult, error) {
		userID, domain, token, err := d.credentials(ctx)
		if err != nil {
			return nil, nil, err
		}

		courses, err := d.Canvas.ActiveCourses(ctx, domain, token)
		if err != nil {
			return nil, nil, err
		}

		d.logUsage(ctx, userID, "canvas_list_courses")

		result := &CoursesResult{Courses: courses}

		return textResult(result), result, nil
	}
}

func assignmentsHandler(d *Deps) mcp.ToolHandlerFor[AssignmentsInput, *AssignmentsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AssignmentsInput) (*mcp.CallToolResult, *AssignmentsResult, error) {
		if input.CourseID == "" {
			return nil, nil, errors.New("course_id is required")
		}

		userID, domain, token, err := d.credentials(ctx)
		if err != nil {
			return nil, nil, err
		}

		assignments, err := d.Canvas.Assignments(ctx, domain, token, input.CourseID)
		if err != nil {
			return nil, nil, err
		}

		d.logUsage(ctx, userID, "canvas_list_assignments")

		result := &AssignmentsResult{CourseID: input.CourseID, Assignments: assignments}

		return textResult(result), result, nil
	}
}

func gradeHandler(d *Deps) mcp.ToolHandlerFor[GradeInput, *GradeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GradeInput) (*mcp.CallToolResult, *GradeResult, error) {
		if input.CourseID == "" {
			return nil, nil, errors.New("course_id is required")
		}

		userID, domain, token, err := d.credentials(ctx)
		if err != nil {
			return nil, nil, err
		}

		grades, err := d.Canvas.Grades(ctx, domain, token, input.CourseID)
		if err != nil {
			return nil, nil, err
		}

		d.logUsage(ctx, userID, "canvas_course_grade")

		result := &GradeResult{CourseID: input.CourseID, Grades: grades}

		return textResult(result), result, nil
	}
}

func announcementsHandler(d *Deps) mcp.ToolHandlerFor[AnnouncementsInput, *AnnouncementsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AnnouncementsInput) (*mcp.CallToolResult, *AnnouncementsResult, error) {
		userID, domain, token, err := d.credentials(ctx)
		if err != nil {
			return nil, nil, err
		}

		courseIDs := input.CourseIDs
		if len(courseIDs) == 0 {
			courses, err := d.Canvas.ActiveCourses(ctx, domain, token)
			if err != nil {
				return nil, nil, err
			}
			for _, c := range courses {
				courseIDs = append(courseIDs, c.ID)
			}
		}

		days := input.Days
		if days <= 0 {
			days = defaultAnnouncementDays
		}
		since := time.Now().AddDate(0, 0, -days)

		announcements, failed, err := d.Canvas.Announcements(ctx, domain, token, courseIDs, since)
		if err != nil {
			return nil, nil, err
		}

		d.logUsage(ctx, userID, "canvas_list_announcements")

		result := &AnnouncementsResult{Announcements: announcements, FailedCourses: failed}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
