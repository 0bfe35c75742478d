package redis

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/core/domain"
)

func TestKeys(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	assert.Equal(t, "ml-pipelines:artifacts:7d444840-9dc0-11d1-b245-5ffdce74fad2", RunKey(id))
	assert.Equal(t, "evaluation/mse", Field("evaluation", "mse"))
}

func TestDecodeAll(t *testing.T) {
	mse := domain.NewFloatArtifact("mse", 1.3)
	mse.Producer = "evaluation"
	model := domain.Artifact{Producer: "train_model", Name: "model", Type: domain.ArtifactTypeModel, URI: "runs:/abc/model"}

	encode := func(a domain.Artifact) string {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		return string(data)
	}

	got, err := decodeAll(map[string]string{
		Field(model.Producer, model.Name): encode(model),
		Field(mse.Producer, mse.Name):     encode(mse),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evaluation", got[0].Producer)
	assert.Equal(t, "runs:/abc/model", got[1].URI)

	v, err := got[0].FloatValue()
	require.NoError(t, err)
	assert.Equal(t, 1.3, v)

	_, err = decodeAll(map[string]string{"x/y": "not json"})
	assert.ErrorIs(t, err, domain.ErrInvalidArtifact)
}
