package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
	"ml-pipelines/internal/testutil"
)

func TestModelVersionService_Get(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	svc := NewModelVersionService(repo)

	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(&domain.ModelVersion{ID: id, ModelName: "m1"}, nil)

	version, err := svc.Get(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, "m1", version.ModelName)
}

func TestModelVersionService_Get_NotFound(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	svc := NewModelVersionService(repo)

	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(nil, domain.ErrVersionNotFound)

	_, err := svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestModelVersionService_GetByStage_InvalidStage(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	svc := NewModelVersionService(repo)

	_, err := svc.GetByStage(context.Background(), "m1", domain.ModelStage("canary"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	repo.AssertNotCalled(t, "GetByStage", mock.Anything, mock.Anything, mock.Anything)
}

func TestModelVersionService_List_ClampsLimit(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	svc := NewModelVersionService(repo)

	repo.On("List", mock.Anything, output.VersionListFilter{ModelName: "m1", Limit: 100}).
		Return([]*domain.ModelVersion{}, 0, nil)
	repo.On("List", mock.Anything, output.VersionListFilter{Limit: 20}).
		Return([]*domain.ModelVersion{}, 0, nil)

	_, _, err := svc.List(context.Background(), output.VersionListFilter{ModelName: "m1", Limit: 500})
	assert.NoError(t, err)
	_, _, err = svc.List(context.Background(), output.VersionListFilter{})
	assert.NoError(t, err)
	repo.AssertExpectations(t)
}
