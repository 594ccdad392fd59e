package export

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bondsim/internal/model"
	"github.com/atmx/bondsim/internal/policy"
	"github.com/atmx/bondsim/internal/simulator"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func simulatedRecords(t *testing.T, steps int) []model.StepRecord {
	t.Helper()
	sim, err := simulator.New(simulator.Config{
		NumSteps:             steps,
		StepDays:             d("1"),
		PositionDuration:     d("365"),
		InitialSharePrice:    d("1"),
		InitialShareReserves: d("1000000"),
		InitialBondReserves:  d("1000000"),
		TargetFixedAPR:       d("0.05"),
		RandomSeed:           11,
		Agents: []simulator.AgentAssignment{
			{Policy: policy.NameLongOnly, Count: 2, Budget: d("1000")},
		},
	})
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	return sim.Records()
}

func TestWriteJSONL_OneLinePerStep(t *testing.T) {
	records := simulatedRecords(t, 3)
	data, err := MarshalJSONL(records)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.True(t, strings.HasPrefix(line, `{"step":`), "line %d: %s", i, line)
	}

	decoded, err := ReadJSONL(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.Equal(t, 2, decoded[2].StepIndex)
	assert.Equal(t, 2, decoded[0].Applied())

	again, err := MarshalJSONL(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestReadJSONL_BadLine(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"step\":0}\n{oops\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadJSONL_Empty(t *testing.T) {
	recs, err := ReadJSONL(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "run.jsonl")
	require.NoError(t, WriteFile(path, simulatedRecords(t, 2)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := ReadJSONL(f)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "runs/abc/steps.jsonl", ObjectKey("", "abc"))
	assert.Equal(t, "sims/runs/abc/steps.jsonl", ObjectKey("sims", "abc"))
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"localhost:9000", false, "http://localhost:9000"},
		{"e2.example.com", true, "https://e2.example.com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normaliseEndpoint(tt.in, tt.useSSL), tt.in)
	}
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"ok", S3Config{Bucket: "b", Region: "us-east-1"}, false},
		{"static creds", S3Config{Bucket: "b", Region: "us-east-1", AccessKey: "k", SecretKey: "s"}, false},
		{"no bucket", S3Config{Region: "us-east-1"}, true},
		{"no region", S3Config{Bucket: "b"}, true},
		{"half creds", S3Config{Bucket: "b", Region: "us-east-1", AccessKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewArchiver(t *testing.T) {
	a, err := NewArchiver(context.Background(), S3Config{
		Endpoint:       "localhost:9000",
		Region:         "us-east-1",
		Bucket:         "bondsim",
		AccessKey:      "minio",
		SecretKey:      "minio123",
		ForcePathStyle: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, minPartSize, a.uploader.PartSize)
	assert.Equal(t, "bondsim", a.bucket)

	_, err = a.ArchiveRun(context.Background(), "empty", nil)
	assert.Error(t, err)
}
