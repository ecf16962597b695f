package redact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/redact"
)

func sampleRaw() redact.RawMetadata {
	return redact.RawMetadata{
		EXIF:             map[string]string{"Make": "Canon"},
		Megapixels:       12.3,
		AspectRatio:      1.5,
		FileHashes:       map[string]string{"sha256": "abc123"},
		PerceptualHashes: map[string]string{"phash": "def456"},
		Thumbnail:        redact.Thumbnail{Present: true, Width: 200, Height: 150, Data: []byte("binary")},
		GPS:              &redact.GPS{Lat: 37.774929, Lon: -122.419416},
		OCRText:          "license plate 8XYZ123",
		Address:          &redact.Address{Street: "1 Market St", City: "San Francisco", State: "CA", Country: "US"},
		FilesystemOwner:  "www-data",
		FilesystemInode:  1234,
		ExtendedAttrs:    map[string]string{"user.comment": "secret"},
		EnterpriseModules: map[string]interface{}{
			"drone_telemetry": "altitude=120m",
		},
	}
}

func TestApply_Paid_ExposesEverything(t *testing.T) {
	v := redact.Apply(sampleRaw(), redact.ModePaid)

	assert.Equal(t, "Canon", v.EXIF["Make"])
	assert.Equal(t, "abc123", v.FileHashes["sha256"])
	assert.Equal(t, "def456", v.PerceptualHashes["phash"])
	require.NotNil(t, v.Thumbnail)
	assert.Equal(t, []byte("binary"), v.Thumbnail.Data)
	require.NotNil(t, v.GPS)
	assert.Equal(t, 37.774929, v.GPS.Lat)
	assert.Equal(t, "license plate 8XYZ123", v.OCRText)
	require.NotNil(t, v.Address)
	assert.Equal(t, "1 Market St", v.Address.Street)
	assert.Equal(t, "www-data", v.FilesystemOwner)
	assert.Equal(t, "secret", v.ExtendedAttrs["user.comment"])
	assert.NotNil(t, v.EnterpriseModules)
}

func TestApply_DeviceFree_RoundsGPSAndHidesSensitiveFields(t *testing.T) {
	v := redact.Apply(sampleRaw(), redact.ModeDeviceFree)

	assert.Equal(t, "Canon", v.EXIF["Make"]) // EXIF still full
	assert.Equal(t, "abc123", v.FileHashes["sha256"])
	assert.Equal(t, "def456", v.PerceptualHashes["phash"])

	require.NotNil(t, v.Thumbnail)
	assert.True(t, v.Thumbnail.Present)
	assert.Equal(t, 200, v.Thumbnail.Width)
	assert.Nil(t, v.Thumbnail.Data) // binary withheld

	require.NotNil(t, v.GPS)
	assert.Equal(t, 37.77, v.GPS.Lat)
	assert.Equal(t, -122.42, v.GPS.Lon)

	assert.Empty(t, v.OCRText)

	require.NotNil(t, v.Address)
	assert.Empty(t, v.Address.Street)
	assert.Equal(t, "San Francisco", v.Address.City)

	assert.Empty(t, v.FilesystemOwner)
	assert.Nil(t, v.ExtendedAttrs)
	assert.Equal(t, []string{"user.comment"}, v.ExtendedAttrKeys)
	assert.Nil(t, v.EnterpriseModules)
}

func TestApply_TrialLimited_OnlyComputedAndHashesSurvive(t *testing.T) {
	v := redact.Apply(sampleRaw(), redact.ModeTrialLimited)

	assert.Nil(t, v.EXIF)
	assert.Equal(t, "abc123", v.FileHashes["sha256"]) // file hashes always full
	assert.Equal(t, 12.3, v.Megapixels)
	assert.Nil(t, v.PerceptualHashes)
	assert.Nil(t, v.Thumbnail)
	assert.Nil(t, v.GPS)
	assert.Empty(t, v.OCRText)
	assert.Nil(t, v.Address)
	assert.Empty(t, v.FilesystemOwner)
	assert.Nil(t, v.ExtendedAttrKeys)
	assert.Nil(t, v.EnterpriseModules)
}

func TestApply_TrialLimitedIsSubsetOfDeviceFree(t *testing.T) {
	raw := sampleRaw()
	deviceFree := redact.Apply(raw, redact.ModeDeviceFree)
	trial := redact.Apply(raw, redact.ModeTrialLimited)

	// Anything trial_limited exposes, device_free must also expose.
	if trial.GPS != nil {
		assert.NotNil(t, deviceFree.GPS)
	}
	if trial.Thumbnail != nil {
		assert.NotNil(t, deviceFree.Thumbnail)
	}
	if trial.OCRText != "" {
		assert.NotEmpty(t, deviceFree.OCRText)
	}
	if trial.Address != nil {
		assert.NotNil(t, deviceFree.Address)
	}
	if len(trial.ExtendedAttrKeys) > 0 {
		assert.NotEmpty(t, deviceFree.ExtendedAttrKeys)
	}
}

func TestApply_NilOptionalFieldsDoNotPanic(t *testing.T) {
	raw := redact.RawMetadata{Megapixels: 5}
	for _, mode := range []redact.Mode{redact.ModePaid, redact.ModeDeviceFree, redact.ModeTrialLimited} {
		v := redact.Apply(raw, mode)
		assert.Nil(t, v.GPS)
		assert.Nil(t, v.Address)
	}
}
