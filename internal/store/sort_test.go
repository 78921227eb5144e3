package store

import (
	"testing"
	"time"

	"companion-jobs/internal/models"
)

func TestSortForDispatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs := []models.Job{
		{ID: "low", Priority: 0, CreatedAt: base},
		{ID: "high-new", Priority: 2, CreatedAt: base.Add(time.Minute)},
		{ID: "high-old", Priority: 2, CreatedAt: base},
		{ID: "mid", Priority: 1, CreatedAt: base.Add(-time.Hour)},
	}
	SortForDispatch(jobs)

	want := []string{"high-old", "high-new", "mid", "low"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Fatalf("position %d: expected %s got %s", i, id, jobs[i].ID)
		}
	}
}
