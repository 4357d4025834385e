package server

import (
	"tasknest/internal/domain"
	"tasknest/internal/enhance"
	"tasknest/internal/identity"
)

// Request payloads

type CreateTaskRequest struct {
	Title          string   `json:"title" minLength:"1" maxLength:"500"`
	Description    *string  `json:"description,omitempty"`
	Status         string   `json:"status,omitempty" enum:"pending,todo,in_progress,blocked,on_hold,review,testing,completed,cancelled,archived"`
	Priority       string   `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate        *string  `json:"due_date,omitempty" example:"2026-11-01"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty" minimum:"0"`
	Tags           []string `json:"tags,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
}

// UpdateTaskRequest is a partial update; absent fields are left alone and a null
// parent_task_id detaches the task.
type UpdateTaskRequest struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Status         *string  `json:"status,omitempty" enum:"pending,todo,in_progress,blocked,on_hold,review,testing,completed,cancelled,archived"`
	Priority       *string  `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate        *string  `json:"due_date,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty" nullable:"true"`
}

type PatchStatusRequest struct {
	Status string `json:"status" enum:"pending,todo,in_progress,blocked,on_hold,review,testing,completed,cancelled,archived"`
}

type EnhanceRequest struct {
	EnhancementType string `json:"enhancement_type" enum:"enhance,split"`
}

type RegisterRequest struct {
	Email    string         `json:"email" format:"email"`
	Password string         `json:"password" minLength:"6"`
	FullName string         `json:"full_name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type DevTokenRequest struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Responses

type TaskResponse struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         *string  `json:"description"`
	Status              string   `json:"status"`
	Priority            string   `json:"priority"`
	DueDate             *string  `json:"due_date"`
	EstimatedHours      *float64 `json:"estimated_hours"`
	Tags                []string `json:"tags"`
	UserID              string   `json:"user_id"`
	ParentTaskID        *string  `json:"parent_task_id"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
	EnhancedTitle       *string  `json:"enhanced_title"`
	EnhancedDescription *string  `json:"enhanced_description"`
	EnhancementNotes    *string  `json:"enhancement_notes"`
	EnhancementStatus   string   `json:"ai_enhancement_status"`
}

type TaskWithChildrenResponse struct {
	Task     TaskResponse   `json:"task"`
	Children []TaskResponse `json:"children"`
}

type EventResponse struct {
	ID      string         `json:"id"`
	TaskID  string         `json:"task_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	TS      string         `json:"ts" format:"date-time"`
}

type EnhanceResponse struct {
	Success         bool        `json:"success"`
	EnhancementType string      `json:"enhancement_type"`
	Source          string      `json:"source" enum:"parsed,fallback"`
	Data            EnhanceData `json:"data"`
}

// EnhanceData holds the mode specific result: title fields for enhance, subtasks for split.
type EnhanceData struct {
	TaskID          string         `json:"task_id"`
	OldTitle        string         `json:"old_title,omitempty"`
	NewTitle        string         `json:"new_title,omitempty"`
	NewDescription  string         `json:"new_description,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	SubtasksCreated int            `json:"subtasks_created,omitempty"`
	Subtasks        []TaskResponse `json:"subtasks,omitempty"`
	Rationale       string         `json:"rationale,omitempty"`
	Task            TaskResponse   `json:"task"`
}

type AuthSessionResponse struct {
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresIn    int            `json:"expires_in,omitempty"`
	User         *identity.User `json:"user,omitempty"`
	// ConfirmationRequired is set on register when the provider withholds a session until email confirmation.
	ConfirmationRequired bool `json:"confirmation_required,omitempty"`
}

type ProfileResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	LastSignInAt string         `json:"last_sign_in_at,omitempty"`
	Metadata     map[string]any `json:"user_metadata,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type DevTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return TaskResponse{
		ID:                  t.ID,
		Title:               t.Title,
		Description:         t.Description,
		Status:              t.Status,
		Priority:            t.Priority,
		DueDate:             t.DueDate,
		EstimatedHours:      t.EstimatedHours,
		Tags:                tags,
		UserID:              t.OwnerID,
		ParentTaskID:        t.ParentTaskID,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		EnhancedTitle:       t.EnhancedTitle,
		EnhancedDescription: t.EnhancedDescription,
		EnhancementNotes:    t.EnhancementNotes,
		EnhancementStatus:   t.EnhancementStatus,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func enhanceResponse(out enhance.Outcome) EnhanceResponse {
	data := EnhanceData{
		TaskID: out.Task.ID,
		Task:   taskResponse(out.Task),
	}
	if out.Mode == domain.ModeSplit {
		data.SubtasksCreated = len(out.Subtasks)
		data.Subtasks = mapTasks(out.Subtasks)
		data.Rationale = out.Rationale
	} else {
		data.OldTitle = out.OldTitle
		data.NewTitle = out.NewTitle
		data.NewDescription = out.NewDescription
		data.Notes = out.Notes
	}
	return EnhanceResponse{
		Success:         true,
		EnhancementType: out.Mode,
		Source:          string(out.Source),
		Data:            data,
	}
}

func sessionResponse(s identity.Session) AuthSessionResponse {
	return AuthSessionResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		ExpiresIn:    s.ExpiresIn,
		User:         s.User,
	}
}

func profileResponse(u identity.User) ProfileResponse {
	return ProfileResponse{
		ID:           u.ID,
		Email:        u.Email,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		LastSignInAt: u.LastSignInAt,
		Metadata:     u.UserMetadata,
	}
}
