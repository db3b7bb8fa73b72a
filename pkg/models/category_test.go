package models_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want models.Category
	}{
		{"nudity", models.CategoryNudity},
		{"  Weapons ", models.CategoryWeapons},
		{"driver_license", models.CategoryDriverLicense},
		{"driver license", models.CategoryDriverLicense},
		{"Driver-License", models.CategoryDriverLicense},
		{"symbolism", models.CategorySymbolism},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := models.ParseCategory(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCategory_Unknown(t *testing.T) {
	_, err := models.ParseCategory("cats")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownCategory)
	assert.Contains(t, err.Error(), "cats")
}

func TestNormalizeCategories(t *testing.T) {
	got, err := models.NormalizeCategories([]string{"weapons", "nudity", "WEAPONS"})
	require.NoError(t, err)
	assert.Equal(t, []models.Category{models.CategoryNudity, models.CategoryWeapons}, got)
}

func TestNormalizeCategories_EmptySelectsAll(t *testing.T) {
	got, err := models.NormalizeCategories(nil)
	require.NoError(t, err)
	assert.Equal(t, models.AllCategories, got)

	// The returned slice must not alias the package-level list.
	got[0] = "changed"
	assert.Equal(t, models.CategoryNudity, models.AllCategories[0])
}

func TestNormalizeCategories_RejectsUnknown(t *testing.T) {
	_, err := models.NormalizeCategories([]string{"nudity", "bogus"})
	assert.ErrorIs(t, err, models.ErrUnknownCategory)
}

func TestJobClone_IsDeep(t *testing.T) {
	extra := "note"
	key := "result"
	j := &models.Job{
		Request: models.ModerationRequest{Categories: []models.Category{models.CategoryGore}, Extra: &extra},
		Report:  &models.Report{Categories: map[models.Category]bool{models.CategoryGore: true}, ResultImageKey: &key},
		Lease:   &models.Lease{WorkerID: "w1"},
	}
	c := j.Clone()
	c.Request.Categories[0] = models.CategoryDrugs
	*c.Request.Extra = "other"
	c.Report.Categories[models.CategoryGore] = false
	*c.Report.ResultImageKey = "other"
	c.Lease.WorkerID = "w2"

	assert.Equal(t, models.CategoryGore, j.Request.Categories[0])
	assert.Equal(t, "note", *j.Request.Extra)
	assert.True(t, j.Report.Categories[models.CategoryGore])
	assert.Equal(t, "result", *j.Report.ResultImageKey)
	assert.Equal(t, "w1", j.Lease.WorkerID)
}

func TestIsRetryableClassifierError(t *testing.T) {
	assert.True(t, models.IsRetryableClassifierError(models.ErrClassifierTransient))
	assert.True(t, models.IsRetryableClassifierError(models.ErrClassifierTimeout))
	assert.True(t, models.IsRetryableClassifierError(fmt.Errorf("remote: %w", models.ErrClassifierTimeout)))
	assert.False(t, models.IsRetryableClassifierError(models.ErrClassifierPermanent))
	assert.False(t, models.IsRetryableClassifierError(fmt.Errorf("remote: status 422: %w", models.ErrClassifierPermanent)))
}
