package models

import "time"

// Meal is a logged meal from the meals table.
type Meal struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Calories float64   `json:"calories"`
	LoggedAt time.Time `json:"logged_at"`
}

// Notification is an in-app notification row created by reminder jobs.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification kinds.
const (
	NotificationPostureReminder = "posture_reminder"
)

// Profile carries the per-user opt-ins used by recurring producers.
type Profile struct {
	UserID           string `json:"user_id"`
	PostureReminders bool   `json:"posture_reminders"`
	WeeklySummary    bool   `json:"weekly_summary"`
}

// ActivitySummary aggregates a user's logged activity over a window.
type ActivitySummary struct {
	MealCount     int
	TotalCalories float64
	SymptomCount  int
	TopSymptom    string
	RemindersSent int
}
