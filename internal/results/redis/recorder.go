/*
Copyright 2026 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// This file provides a redis implementation of the results recorder.

package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/results"
	uredis "github.com/llm-d-incubation/device-runner/internal/util/redis"
)

const (
	fieldNameVersion    = "ver"
	fieldNameId         = "id"
	fieldNameRunId      = "run_id"
	fieldNameNetwork    = "network"
	fieldNameWorker     = "worker"
	fieldNameBatchStart = "batch_start"
	fieldNameBatchEnd   = "batch_end"
	fieldNameImages     = "images"
	fieldNameMismatches = "mismatches"
	fieldNameDurationMs = "duration_ms"
	fieldNameStatus     = "status"
	fieldNameError      = "error"
	fieldNameBatches    = "batches"
	fieldNameFailed     = "failed"
	fieldNameWorkers    = "workers"
	fieldNameElapsedMs  = "elapsed_ms"
	keysPrefix          = "dr_run:"
	recordKeysPrefix    = keysPrefix + "record:"
	summaryKeyName      = keysPrefix + "summary"
	versionV1           = "1"
)

var (
	//go:embed record_run.lua
	recordRunLua         string
	redisScriptRecordRun = goredis.NewScript(recordRunLua)
)

// RecorderRedis persists run records as redis hashes. One Lua script writes
// the record and folds its counters into the summary hash atomically, so
// concurrent workers never lose a count.
type RecorderRedis struct {
	redisClient        *goredis.Client
	redisClientChecker *uredis.RedisClientChecker
	timeout            time.Duration
	ttl                time.Duration
}

var _ results.Recorder = (*RecorderRedis)(nil)

// NewRecorderRedis connects to redis and returns a recorder. ttl bounds the
// lifetime of individual record keys; zero keeps them forever.
func NewRecorderRedis(ctx context.Context, conf *uredis.RedisClientConfig, ttl time.Duration) (
	*RecorderRedis, error) {

	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if conf == nil {
		err := fmt.Errorf("empty redis config")
		logger.Error(err, "NewRecorderRedis:")
		return nil, err
	}
	redisClient, err := uredis.NewRedisClient(ctx, conf)
	if err != nil {
		return nil, err
	}
	redisClientChecker := uredis.NewRedisClientChecker(redisClient, keysPrefix, conf.ServiceName, conf.Timeout)
	logger.Info("NewRecorderRedis: succeeded", "serviceName", conf.ServiceName)
	return &RecorderRedis{
		redisClient:        redisClient,
		redisClientChecker: redisClientChecker,
		timeout:            conf.Timeout,
		ttl:                ttl,
	}, nil
}

func (c *RecorderRedis) Close() (err error) {
	if c.redisClient != nil {
		err = c.redisClient.Close()
	}
	return err
}

func (c *RecorderRedis) GetContext(parentCtx context.Context, timeLimit time.Duration) (context.Context, context.CancelFunc) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	if timeLimit > 0 {
		return context.WithTimeout(parentCtx, timeLimit)
	}
	return context.WithTimeout(parentCtx, c.timeout)
}

// RecordRun stores one batch record and folds its counters into the
// summary hash.
func (c *RecorderRedis) RecordRun(ctx context.Context, rec *results.RunRecord) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if rec == nil {
		err = fmt.Errorf("empty run record")
		logger.Error(err, "RecordRun:")
		return
	}
	if err = rec.IsValid(); err != nil {
		logger.Error(err, "RecordRun: record is invalid")
		return
	}
	logger = logger.WithValues("recordId", rec.ID)

	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	res, err := redisScriptRecordRun.Run(cctx, c.redisClient,
		[]string{getKeyForRecord(rec.ID), summaryKeyName},
		versionV1, rec.ID, strconv.FormatUint(rec.RunID, 10),
		rec.Network, rec.Worker, rec.BatchStart, rec.BatchEnd,
		rec.Images, rec.Mismatches,
		strconv.FormatInt(rec.Duration.Milliseconds(), 10),
		string(rec.Status), rec.Error,
		int64(c.ttl/time.Second)).Text()
	ccancel()
	if err != nil {
		logger.Error(err, "RecordRun: script failed")
		cerr := c.redisClientChecker.Check(ctx)
		if cerr != nil {
			logger.Error(cerr, "RecordRun: ClientCheck failed")
		}
		return err
	}
	if len(res) > 0 {
		err = fmt.Errorf("%s", res)
		logger.Error(err, "RecordRun: script failed")
		return
	}
	logger.V(4).Info("RecordRun: succeeded")
	return nil
}

// RecordSummary stores the end-of-run fields of the summary. The counter
// fields were already folded in by RecordRun.
func (c *RecorderRedis) RecordSummary(ctx context.Context, s *results.Summary) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if s == nil {
		err = fmt.Errorf("empty summary")
		logger.Error(err, "RecordSummary:")
		return
	}

	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	err = c.redisClient.HSet(cctx, summaryKeyName,
		fieldNameWorkers, s.Workers,
		fieldNameElapsedMs, s.Elapsed.Milliseconds()).Err()
	ccancel()
	if err != nil {
		logger.Error(err, "RecordSummary: HSet failed")
		return
	}
	logger.Info("RecordSummary: succeeded", "images", s.Images, "mismatches", s.Mismatches)
	return nil
}

// Run returns a stored record by ID.
func (c *RecorderRedis) Run(ctx context.Context, id string) (rec *results.RunRecord, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)
	if len(id) == 0 {
		err = fmt.Errorf("empty record ID")
		logger.Error(err, "Run:")
		return
	}
	logger = logger.WithValues("recordId", id)

	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	vals, err := c.redisClient.HGetAll(cctx, getKeyForRecord(id)).Result()
	ccancel()
	if err != nil {
		logger.Error(err, "Run: HGetAll failed")
		return nil, err
	}
	if len(vals) == 0 {
		err = fmt.Errorf("record %s not found", id)
		logger.Error(err, "Run:")
		return nil, err
	}
	rec, err = recordFromHash(vals)
	if err != nil {
		logger.Error(err, "Run: malformed record")
		return nil, err
	}
	return rec, nil
}

// Summary returns the aggregate over all recorded batches.
func (c *RecorderRedis) Summary(ctx context.Context) (s *results.Summary, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := klog.FromContext(ctx)

	cctx, ccancel := context.WithTimeout(ctx, c.timeout)
	vals, err := c.redisClient.HGetAll(cctx, summaryKeyName).Result()
	ccancel()
	if err != nil {
		logger.Error(err, "Summary: HGetAll failed")
		return nil, err
	}
	s = &results.Summary{}
	s.Images = hashInt64(vals, fieldNameImages)
	s.Mismatches = hashInt64(vals, fieldNameMismatches)
	s.Batches = hashInt64(vals, fieldNameBatches)
	s.Failed = hashInt64(vals, fieldNameFailed)
	s.Workers = int(hashInt64(vals, fieldNameWorkers))
	s.Elapsed = time.Duration(hashInt64(vals, fieldNameElapsedMs)) * time.Millisecond
	return s, nil
}

func getKeyForRecord(id string) string {
	return recordKeysPrefix + id
}

func hashInt64(vals map[string]string, field string) int64 {
	raw, ok := vals[field]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func recordFromHash(vals map[string]string) (*results.RunRecord, error) {
	if vals[fieldNameVersion] != versionV1 {
		return nil, fmt.Errorf("unexpected record version %q", vals[fieldNameVersion])
	}
	runID, err := strconv.ParseUint(vals[fieldNameRunId], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s field: %w", fieldNameRunId, err)
	}
	rec := &results.RunRecord{
		ID:         vals[fieldNameId],
		RunID:      runID,
		Network:    vals[fieldNameNetwork],
		Worker:     int(hashInt64(vals, fieldNameWorker)),
		BatchStart: int(hashInt64(vals, fieldNameBatchStart)),
		BatchEnd:   int(hashInt64(vals, fieldNameBatchEnd)),
		Images:     int(hashInt64(vals, fieldNameImages)),
		Mismatches: int(hashInt64(vals, fieldNameMismatches)),
		Duration:   time.Duration(hashInt64(vals, fieldNameDurationMs)) * time.Millisecond,
		Status:     results.Status(vals[fieldNameStatus]),
		Error:      vals[fieldNameError],
	}
	return rec, rec.IsValid()
}
