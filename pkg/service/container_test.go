package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rezilient-Labs/restore-control/core/pkg/auth"
	"github.com/Rezilient-Labs/restore-control/core/pkg/canonicalize"
	"github.com/Rezilient-Labs/restore-control/core/pkg/config"
	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
	"github.com/Rezilient-Labs/restore-control/core/pkg/freshness"
	"github.com/Rezilient-Labs/restore-control/core/pkg/observability"
)

const (
	tenantID   = "tenant-acme"
	instanceID = "sn-dev-01"
	source     = "sn://acme-dev.service-now.com"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mappings := []contracts.SourceMapping{{
		TenantID:        tenantID,
		InstanceID:      instanceID,
		Source:          source,
		AllowedServices: []string{contracts.ServiceScopeRestore},
	}}
	data, err := json.Marshal(mappings)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return &config.Config{
		Port:                     "0",
		LogLevel:                 "ERROR",
		AuthSecret:               "test-secret-0123456789",
		AuthIssuer:               "restore-control",
		AuthAudience:             "restore-api",
		SourceMappingsFile:       path,
		StaleAfterSeconds:        120,
		DefaultChunkSize:         100,
		MaxRows:                  10000,
		ElevatedSkipRatioPercent: 50,
		MediaMaxItems:            500,
		MediaMaxBytes:            1 << 30,
		MediaMaxRetryAttempts:    3,
		EvidenceSignerKeyID:      "key-test-01",
		ArchiveBackend:           "memory",
		RetentionClass:           "compliance-7y",
		WormEnabled:              true,
		IdempotencyTTLSeconds:    3600,
	}
}

func bootContainer(t *testing.T) (*Container, string) {
	t.Helper()
	c, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	oracle, ok := c.Freshness.(*freshness.MemorySource)
	require.True(t, ok)
	now := time.Now().UTC()
	oracle.Put(contracts.Watermark{
		TenantID:             tenantID,
		InstanceID:           instanceID,
		Source:               source,
		Topic:                "cdc.incident",
		Partition:            0,
		GenerationID:         "gen-1",
		IndexedThroughOffset: "420",
		IndexedThroughTime:   canonicalize.FormatISO(now),
		CoverageStart:        canonicalize.FormatISO(now.Add(-24 * time.Hour)),
		CoverageEnd:          canonicalize.FormatISO(now),
	})

	verifier, err := auth.NewVerifier([]byte(c.Config.AuthSecret), c.Config.AuthIssuer, c.Config.AuthAudience)
	require.NoError(t, err)
	token, err := verifier.Issue(contracts.Claims{
		TenantID:     tenantID,
		InstanceID:   instanceID,
		Source:       source,
		ServiceScope: contracts.ServiceScopeRestore,
		Subject:      "operator-1",
	}, time.Hour)
	require.NoError(t, err)
	return c, token
}

func do(t *testing.T, c *Container, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)
	return rec
}

func TestContainer_BootsInMemory(t *testing.T) {
	c, _ := bootContainer(t)
	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.NotNil(t, c.Handler)
}

func TestContainer_EndToEndRestoreFlow(t *testing.T) {
	c, token := bootContainer(t)

	planBody := contracts.CreateDryRunPlanRequest{
		TenantID:    tenantID,
		InstanceID:  instanceID,
		Source:      source,
		PlanID:      "plan-a",
		RequestedBy: "operator-1",
		Pit: contracts.Pit{
			RestoreTime:         canonicalize.FormatISO(time.Now().UTC().Add(-time.Hour)),
			RestoreTimezone:     "UTC",
			PitAlgorithmVersion: "pit.v2",
		},
		Scope: contracts.Scope{Mode: "tables", Tables: []string{"incident"}},
		ExecutionOptions: contracts.ExecutionOptions{
			MissingRowMode:          "skip",
			ConflictPolicy:          "strict",
			SchemaCompatibilityMode: "strict",
			WorkflowMode:            "suppress",
		},
		Rows: []contracts.PlanRow{{
			RowID:       "row-01",
			Table:       "incident",
			RecordSysID: "sys_row-01",
			Action:      contracts.RowActionUpdate,
			Values:      contracts.RowValues{BeforeImageEnc: "enc:row-01"},
		}},
	}

	rec := do(t, c, token, http.MethodPost, "/v1/plans", planBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p contracts.DryRunPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	rec = do(t, c, token, http.MethodPost, "/v1/jobs", contracts.CreateJobRequest{
		TenantID:    tenantID,
		InstanceID:  instanceID,
		Source:      source,
		PlanID:      "plan-a",
		PlanHash:    p.PlanHash,
		RequestedBy: "operator-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var j contracts.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))

	rec = do(t, c, token, http.MethodPost, "/v1/jobs/"+j.JobID+"/execute", contracts.ExecuteJobRequest{
		OperatorID:           "operator-1",
		OperatorCapabilities: []string{contracts.CapabilityRestoreExecute},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, c, token, http.MethodPost, "/v1/jobs/"+j.JobID+"/evidence", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Every mutating operation fed the SLO tracker.
	status, ok := c.Tracker.Status(observability.OperationCreatePlan)
	require.True(t, ok)
	assert.Equal(t, 1, status.Observations)

	rec = do(t, c, token, http.MethodGet, "/internal/slo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var slos struct {
		SLOs []observability.SLOStatus `json:"slos"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &slos))
	assert.NotEmpty(t, slos.SLOs)
}

func TestContainer_RejectsWithoutAuthSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthSecret = ""
	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoadMappings(t *testing.T) {
	mappings, err := LoadMappings("")
	require.NoError(t, err)
	assert.Empty(t, mappings)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = LoadMappings(path)
	assert.Error(t, err)
}
