package service

import (
	"context"
	"fmt"

	"taskboard/domain"
)

func strPtr(s string) *string { return &s }

var sampleTasks = []TaskInput{
	{
		ClientName:  "Johnson Properties",
		TaskType:    "BDL",
		Address:     strPtr("123 Main St, Springfield, IL 62701"),
		Processing:  domain.ProcessingNormal,
		Status:      domain.StatusTodo,
		Description: strPtr("Business development loan application for commercial property"),
	},
	{
		ClientName:  "Smith Realty Group",
		TaskType:    "SDL",
		Address:     strPtr("456 Oak Ave, Chicago, IL 60601"),
		Processing:  domain.ProcessingExpedited,
		Status:      domain.StatusInReview,
		Description: strPtr("Standard development loan for residential complex"),
	},
	{
		ClientName:  "Green Valley Estates",
		TaskType:    "nBDL",
		Address:     strPtr("789 Pine Rd, Aurora, IL 60502"),
		Processing:  domain.ProcessingNormal,
		Status:      domain.StatusAwaitingDocuments,
		Description: strPtr("Non-standard business development loan requiring additional documentation"),
	},
	{
		ClientName:  "Urban Development Corp",
		TaskType:    "nPO",
		Address:     strPtr("321 Elm St, Naperville, IL 60540"),
		Processing:  domain.ProcessingExpedited,
		Status:      domain.StatusTodo,
		Description: strPtr("Non-standard purchase order for mixed-use development"),
	},
	{
		ClientName:  "Heritage Homes LLC",
		TaskType:    "Misc - Title Review",
		Address:     strPtr("654 Maple Dr, Rockford, IL 61101"),
		Processing:  domain.ProcessingNormal,
		Status:      domain.StatusDone,
		Description: strPtr("Title review and clearance for historic property"),
	},
}

// Seed creates the demonstration tasks on behalf of owner.
func (s *Tasks) Seed(ctx context.Context, owner domain.Identity) ([]domain.Task, error) {
	created := make([]domain.Task, 0, len(sampleTasks))
	for _, in := range sampleTasks {
		t, err := s.Create(ctx, owner, in)
		if err != nil {
			return created, fmt.Errorf("seeding %q: %w", in.ClientName, err)
		}
		created = append(created, t)
	}
	return created, nil
}
