package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"companion-jobs/internal/models"
)

// ActivityStore is the slice of the app datastore used by the nutrition, reminder and summary handlers.
type ActivityStore interface {
	MealsSince(ctx context.Context, userID string, since time.Time) ([]models.Meal, error)
	InsertNotification(ctx context.Context, n models.Notification) (string, error)
	ActivitySince(ctx context.Context, userID string, since time.Time) (models.ActivitySummary, error)
}

const defaultReportWindow = 7 * 24 * time.Hour

// ActivityHandlers implements the handlers that only touch the app's own tables.
type ActivityHandlers struct {
	store ActivityStore
	now   func() time.Time
}

func NewActivityHandlers(st ActivityStore) *ActivityHandlers {
	return &ActivityHandlers{store: st, now: time.Now}
}

type mealEntry struct {
	Name     string  `json:"name,omitempty"`
	Calories float64 `json:"calories"`
}

// nutritionPayload carries the meals to summarize. When MealsData is absent the
// user's meals from the past week are read instead.
type nutritionPayload struct {
	MealsData []mealEntry `json:"mealsData"`
}

func (p *nutritionPayload) Validate() error {
	for i, m := range p.MealsData {
		if m.Calories < 0 || math.IsNaN(m.Calories) {
			return fmt.Errorf("mealsData[%d].calories must be non-negative", i)
		}
	}
	return nil
}

type nutritionReport struct {
	TotalCalories float64 `json:"totalCalories"`
	MealCount     int     `json:"mealCount"`
	Summary       string  `json:"summary"`
	Timestamp     string  `json:"timestamp"`
}

// NutritionReport aggregates calories across the given or recently logged meals.
func (h *ActivityHandlers) NutritionReport(ctx context.Context, job models.Job, p nutritionPayload) (any, error) {
	meals := p.MealsData
	if meals == nil {
		if job.UserID == "" {
			return nil, errors.New("mealsData is empty and job has no user_id to read meals for")
		}
		logged, err := h.store.MealsSince(ctx, job.UserID, h.now().Add(-defaultReportWindow))
		if err != nil {
			return nil, fmt.Errorf("read meals: %w", err)
		}
		for _, m := range logged {
			meals = append(meals, mealEntry{Name: m.Name, Calories: m.Calories})
		}
	}

	var total float64
	for _, m := range meals {
		total += m.Calories
	}
	return nutritionReport{
		TotalCalories: total,
		MealCount:     len(meals),
		Summary: fmt.Sprintf("Logged %d meals with total estimated %s calories",
			len(meals), strconv.FormatFloat(total, 'f', -1, 64)),
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}, nil
}

type postureReminderPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

type reminderResult struct {
	NotificationID string `json:"notificationId"`
	UserID         string `json:"userId"`
	Timestamp      string `json:"timestamp"`
}

// PostureReminder inserts one posture-check notification. A redelivered job inserts
// a second notification; that duplicate is tolerated.
func (h *ActivityHandlers) PostureReminder(ctx context.Context, job models.Job, p postureReminderPayload) (any, error) {
	if job.UserID == "" {
		return nil, errors.New("posture reminder requires a user_id")
	}
	title := p.Title
	if title == "" {
		title = "Posture check"
	}
	body := p.Message
	if body == "" {
		body = "Time for a quick posture check: sit tall, relax your shoulders and support your lower back."
	}

	id, err := h.store.InsertNotification(ctx, models.Notification{
		UserID: job.UserID,
		Kind:   models.NotificationPostureReminder,
		Title:  title,
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	return reminderResult{
		NotificationID: id,
		UserID:         job.UserID,
		Timestamp:      h.now().UTC().Format(time.RFC3339),
	}, nil
}

type weeklySummaryPayload struct {
	Days int `json:"days"`
}

func (p *weeklySummaryPayload) Validate() error {
	if p.Days == 0 {
		p.Days = 7
	}
	if p.Days < 1 || p.Days > 31 {
		return fmt.Errorf("days must be between 1 and 31, got %d", p.Days)
	}
	return nil
}

type weeklySummary struct {
	UserID               string  `json:"userId"`
	PeriodStart          string  `json:"periodStart"`
	PeriodEnd            string  `json:"periodEnd"`
	MealCount            int     `json:"mealCount"`
	TotalCalories        float64 `json:"totalCalories"`
	AverageDailyCalories float64 `json:"averageDailyCalories"`
	SymptomCount         int     `json:"symptomCount"`
	TopSymptom           string  `json:"topSymptom,omitempty"`
	RemindersSent        int     `json:"remindersSent"`
}

// WeeklySummary is a read-only aggregation of the user's recent activity.
func (h *ActivityHandlers) WeeklySummary(ctx context.Context, job models.Job, p weeklySummaryPayload) (any, error) {
	if job.UserID == "" {
		return nil, errors.New("weekly summary requires a user_id")
	}
	end := h.now().UTC()
	start := end.Add(-time.Duration(p.Days) * 24 * time.Hour)

	act, err := h.store.ActivitySince(ctx, job.UserID, start)
	if err != nil {
		return nil, fmt.Errorf("aggregate activity: %w", err)
	}
	return weeklySummary{
		UserID:               job.UserID,
		PeriodStart:          start.Format(time.RFC3339),
		PeriodEnd:            end.Format(time.RFC3339),
		MealCount:            act.MealCount,
		TotalCalories:        act.TotalCalories,
		AverageDailyCalories: math.Round(act.TotalCalories/float64(p.Days)*10) / 10,
		SymptomCount:         act.SymptomCount,
		TopSymptom:           act.TopSymptom,
		RemindersSent:        act.RemindersSent,
	}, nil
}

// RegisterBuiltins binds the built-in job types. images may be nil when the
// analysis service is not configured; image-analysis jobs then take the no-handler path.
func RegisterBuiltins(reg *Registry, activity *ActivityHandlers, images *ImageHandler) {
	reg.Register(models.TypeNutritionReport, Typed[nutritionPayload](activity.NutritionReport))
	reg.Register(models.TypePostureReminder, Typed[postureReminderPayload](activity.PostureReminder))
	reg.Register(models.TypeWeeklySummary, Typed[weeklySummaryPayload](activity.WeeklySummary))
	if images != nil {
		reg.Register(models.TypeImageAnalysis, images.Handler())
	}
}
