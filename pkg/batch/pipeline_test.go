package batch_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/openmeridian/waypoint/pkg/batch"
	"github.com/openmeridian/waypoint/pkg/geocode"
)

// probeQuery is the fixed reverse lookup the preflight check issues.
const probeQuery = "48.8584,2.2945"

// fakeGeocoder scripts API behavior per query and tracks the peak number
// of concurrent in-flight calls, which the concurrency tests assert on.
type fakeGeocoder struct {
	mu           sync.Mutex
	rateLimit    int64 // probe rate ceiling; 0 means no rate info returned
	probeErr     error
	forward      func(q string) (*geocode.Response, error)
	reverse      func(q string) (*geocode.Response, error)
	forwardCalls []string
	reverseCalls []string
	lastParams   geocode.Params
	active       int32
	maxActive    int32
}

func (f *fakeGeocoder) Geocode(ctx context.Context, query string, params *geocode.Params) (*geocode.Response, error) {
	f.trackEnter()
	defer f.trackLeave()

	f.mu.Lock()
	f.forwardCalls = append(f.forwardCalls, query)
	if params != nil {
		f.lastParams = *params
	}
	fn := f.forward
	f.mu.Unlock()

	if fn != nil {
		return fn(query)
	}
	return okResponse(query), nil
}

func (f *fakeGeocoder) Reverse(ctx context.Context, query string, params *geocode.Params) (*geocode.Response, error) {
	if query == probeQuery {
		if f.probeErr != nil {
			return nil, f.probeErr
		}
		resp := &geocode.Response{Status: geocode.Status{Code: 200, Message: "OK"}}
		if f.rateLimit > 0 {
			resp.Rate = &geocode.Rate{Limit: f.rateLimit, Remaining: f.rateLimit}
		}
		return resp, nil
	}

	f.trackEnter()
	defer f.trackLeave()

	f.mu.Lock()
	f.reverseCalls = append(f.reverseCalls, query)
	fn := f.reverse
	f.mu.Unlock()

	if fn != nil {
		return fn(query)
	}
	return okResponse(query), nil
}

func (f *fakeGeocoder) trackEnter() {
	cur := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, cur) {
			return
		}
	}
}

func (f *fakeGeocoder) trackLeave() {
	atomic.AddInt32(&f.active, -1)
}

func (f *fakeGeocoder) peakActive() int32 {
	return atomic.LoadInt32(&f.maxActive)
}

func okResponse(formatted string) *geocode.Response {
	return &geocode.Response{
		Results: []geocode.Result{{
			Formatted:   formatted,
			Geometry:    geocode.Geometry{Lat: 52.517, Lng: 13.3889},
			Confidence:  9,
			Components:  map[string]any{"_type": "city"},
			Annotations: map[string]any{"timezone": map[string]any{"name": "Europe/Berlin"}},
		}},
		Status:       geocode.Status{Code: 200, Message: "OK"},
		TotalResults: 1,
	}
}

// runPipeline executes one batch run over an in-memory CSV and parses the
// produced output back into records.
func runPipeline(t *testing.T, fake *fakeGeocoder, opts batch.Options, input string) ([][]string, error) {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	var out bytes.Buffer
	err := batch.New(log, fake, nil, opts).Run(context.Background(), strings.NewReader(input), &out)

	var records [][]string
	if out.Len() > 0 {
		var parseErr error
		records, parseErr = csv.NewReader(bytes.NewReader(out.Bytes())).ReadAll()
		require.NoError(t, parseErr)
	}
	return records, err
}

func TestPipeline_ForwardRun(t *testing.T) {
	fake := &fakeGeocoder{}
	input := "city,country\nBerlin,Germany\n,\n"

	records, err := runPipeline(t, fake, batch.Options{Workers: 1}, input)

	require.NoError(t, err)
	require.Len(t, records, 2, "header plus one data row; the empty row is skipped")

	wantHeader := append([]string{"input_1", "input_2"}, batch.DefaultOutputFields...)
	assert.Equal(t, wantHeader, records[0])

	row := records[1]
	assert.Equal(t, "Berlin", row[0])
	assert.Equal(t, "Germany", row[1])
	assert.Equal(t, "Berlin, Germany", row[2])
	assert.Equal(t, "52.517", row[3])
	assert.Equal(t, "13.3889", row[4])
	assert.Equal(t, "9", row[5])
	assert.Equal(t, "city", row[6])
	assert.Equal(t, "OK", row[7])

	assert.Equal(t, []string{"Berlin, Germany"}, fake.forwardCalls)
}

func TestPipeline_ReverseWithColumns(t *testing.T) {
	fake := &fakeGeocoder{}
	input := "poi-1,51.5074,-0.1278\n"

	records, err := runPipeline(t, fake, batch.Options{
		Workers:      1,
		InputColumns: []int{2, 3},
	}, input)

	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{"51.5074,-0.1278"}, fake.reverseCalls)
	assert.Empty(t, fake.forwardCalls)

	// Original input cells are carried through untouched.
	assert.Equal(t, []string{"poi-1", "51.5074", "-0.1278"}, records[1][:3])
}

func TestPipeline_ZeroResults(t *testing.T) {
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			return &geocode.Response{Status: geocode.Status{Code: 200, Message: "OK"}}, nil
		},
	}

	records, err := runPipeline(t, fake, batch.Options{Workers: 1}, "query\nnowhere at all\n")

	require.NoError(t, err, "zero results is a per-row outcome regardless of error policy")
	require.Len(t, records, 2)

	row := records[1]
	assert.Equal(t, "ZERO_RESULTS", row[len(row)-1])
	for _, cell := range row[1 : len(row)-1] {
		assert.Empty(t, cell)
	}
}

func TestPipeline_FailPolicyAborts(t *testing.T) {
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			return nil, geocode.NewError(geocode.KindNotAuthorized, "invalid API key")
		},
	}

	records, err := runPipeline(t, fake, batch.Options{
		Workers: 2,
		OnError: batch.PolicyFail,
	}, "query\nBerlin, Germany\nParis, France\nRome, Italy\n")

	require.Error(t, err)
	var apiErr *geocode.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, geocode.KindBatchProcessing, apiErr.Kind)
	assert.Equal(t, geocode.KindNotAuthorized, geocode.Classify(apiErr.Err).Kind)

	assert.Empty(t, records, "no rows are written when the first failure aborts the run")
}

func TestPipeline_PreserveOrder(t *testing.T) {
	const rows = 30

	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			// Later rows finish earlier to force out-of-order completions.
			n, _ := strconv.Atoi(strings.TrimPrefix(q, "place "))
			time.Sleep(time.Duration((rows-n)%7) * time.Millisecond)
			return okResponse(q), nil
		},
	}

	var input strings.Builder
	input.WriteString("query\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&input, "place %02d\n", i)
	}

	records, err := runPipeline(t, fake, batch.Options{
		Workers:       8,
		PreserveOrder: true,
	}, input.String())

	require.NoError(t, err)
	require.Len(t, records, rows+1)
	for i := 1; i <= rows; i++ {
		assert.Equal(t, fmt.Sprintf("place %02d", i), records[i][0])
	}
}

func TestPipeline_SkipPolicyDropsRows(t *testing.T) {
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			if strings.Contains(q, "bad") {
				return nil, geocode.NewError(geocode.KindServerError, "upstream exploded")
			}
			return okResponse(q), nil
		},
	}

	records, err := runPipeline(t, fake, batch.Options{
		Workers:       2,
		OnError:       batch.PolicySkip,
		PreserveOrder: true,
	}, "query\ngood one\nbad two\ngood three\nbad four\n")

	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "good one", records[1][0])
	assert.Equal(t, "good three", records[2][0])
}

func TestPipeline_FreeTierClampsWorkers(t *testing.T) {
	fake := &fakeGeocoder{
		rateLimit: geocode.FreeTierDailyLimit,
		forward: func(q string) (*geocode.Response, error) {
			time.Sleep(3 * time.Millisecond)
			return okResponse(q), nil
		},
	}

	var input strings.Builder
	input.WriteString("query\n")
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&input, "place %02d\n", i)
	}

	records, err := runPipeline(t, fake, batch.Options{Workers: 4}, input.String())

	require.NoError(t, err)
	assert.Len(t, records, 9)
	assert.EqualValues(t, 1, fake.peakActive(),
		"a free-tier key must never see concurrent requests")
}

func TestPipeline_AdmissionGate(t *testing.T) {
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			time.Sleep(3 * time.Millisecond)
			return okResponse(q), nil
		},
	}

	var input strings.Builder
	input.WriteString("query\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&input, "place %02d\n", i)
	}

	records, err := runPipeline(t, fake, batch.Options{
		Workers: 8,
		Gate:    semaphore.NewWeighted(2),
	}, input.String())

	require.NoError(t, err)
	assert.Len(t, records, 21)
	assert.LessOrEqual(t, fake.peakActive(), int32(2))
}

func TestPipeline_Backpressure(t *testing.T) {
	// More rows than the bounded job queue holds, against workers parked
	// inside the geocoder: the reader must stall on the full queue and
	// each worker must hold at most one job.
	const rows = 3000

	release := make(chan struct{})
	started := make(chan struct{}, rows)
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			started <- struct{}{}
			<-release
			return okResponse(q), nil
		},
	}

	var input strings.Builder
	input.WriteString("query\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&input, "place %04d\n", i)
	}

	var out bytes.Buffer
	runErr := make(chan error, 1)
	go func() {
		log := slog.New(slog.DiscardHandler)
		runErr <- batch.New(log, fake, nil, batch.Options{Workers: 2}).
			Run(context.Background(), strings.NewReader(input.String()), &out)
	}()

	// Wait for both workers to park, then give the reader time to fill
	// the job queue before checking what the geocoder saw.
	<-started
	<-started
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, fake.peakActive(),
		"in-flight calls must never exceed the worker count")

	close(release)
	require.NoError(t, <-runErr)

	records, err := csv.NewReader(bytes.NewReader(out.Bytes())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, rows+1, "every row must still drain after release")
	assert.EqualValues(t, 2, fake.peakActive())
}

func TestPipeline_HeaderWidthFollowsFirstRow(t *testing.T) {
	fake := &fakeGeocoder{
		forward: func(q string) (*geocode.Response, error) {
			// Delay the first row so the narrower second row's result
			// arrives at the writer first.
			if strings.HasPrefix(q, "Berlin") {
				time.Sleep(10 * time.Millisecond)
			}
			return okResponse(q), nil
		},
	}
	input := "a,b,c\nBerlin,Germany,DE\nParis\n"

	log := slog.New(slog.DiscardHandler)
	var out bytes.Buffer
	err := batch.New(log, fake, nil, batch.Options{Workers: 2}).
		Run(context.Background(), strings.NewReader(input), &out)
	require.NoError(t, err)

	reader := csv.NewReader(bytes.NewReader(out.Bytes()))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	wantHeader := append([]string{"input_1", "input_2", "input_3"}, batch.DefaultOutputFields...)
	assert.Equal(t, wantHeader, records[0],
		"placeholder count follows the first accepted row, not the first completion")
}

func TestPipeline_RowLimit(t *testing.T) {
	fake := &fakeGeocoder{}

	records, err := runPipeline(t, fake, batch.Options{
		Workers:  1,
		RowLimit: 2,
	}, "query\none place\ntwo place\nthree place\nfour place\n")

	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPipeline_PreflightFailure(t *testing.T) {
	fake := &fakeGeocoder{
		probeErr: geocode.NewError(geocode.KindServerError, "boom"),
	}

	_, err := runPipeline(t, fake, batch.Options{Workers: 2}, "query\nBerlin, Germany\n")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight")
	assert.Equal(t, geocode.KindBatchProcessing, geocode.Classify(err).Kind)
	assert.Empty(t, fake.forwardCalls)
}

func TestPipeline_InvalidOptions(t *testing.T) {
	fake := &fakeGeocoder{}

	_, err := runPipeline(t, fake, batch.Options{OnError: batch.ErrorPolicy(9)}, "query\nBerlin\n")

	require.Error(t, err)
	assert.Equal(t, geocode.KindBatchProcessing, geocode.Classify(err).Kind)
	assert.Empty(t, fake.forwardCalls)
}

// mapCache is an in-memory ResponseCache for the cache wiring test.
type mapCache struct {
	mu sync.Mutex
	m  map[string]*geocode.Response
}

func newMapCache() *mapCache {
	return &mapCache{m: make(map[string]*geocode.Response)}
}

func (c *mapCache) Get(ctx context.Context, key string) (*geocode.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.m[key]
	return resp, ok
}

func (c *mapCache) Put(ctx context.Context, key string, resp *geocode.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = resp
	return nil
}

func TestPipeline_CacheShortCircuitsRepeats(t *testing.T) {
	fake := &fakeGeocoder{}
	cache := newMapCache()

	records, err := runPipeline(t, fake, batch.Options{
		Workers: 1,
		Cache:   cache,
	}, "city,country\nBerlin,Germany\nBerlin,Germany\n")

	require.NoError(t, err)
	assert.Len(t, records, 3, "both rows are written even when one is served from cache")
	assert.Len(t, fake.forwardCalls, 1, "the repeated query must not hit the API again")

	_, ok := cache.Get(context.Background(), "forward:Berlin, Germany")
	assert.True(t, ok)
}

func TestPipeline_AnnotationFieldsEnableAnnotations(t *testing.T) {
	t.Run("default projection suppresses annotations", func(t *testing.T) {
		fake := &fakeGeocoder{}
		_, err := runPipeline(t, fake, batch.Options{Workers: 1}, "query\nBerlin, Germany\n")
		require.NoError(t, err)
		assert.True(t, fake.lastParams.NoAnnotations)
		assert.Equal(t, 1, fake.lastParams.Limit)
	})

	t.Run("annotation field requests annotations", func(t *testing.T) {
		fake := &fakeGeocoder{}
		records, err := runPipeline(t, fake, batch.Options{
			Workers:      1,
			OutputFields: []string{"formatted", "annotations.timezone.name", "status_message"},
		}, "query\nBerlin, Germany\n")
		require.NoError(t, err)
		assert.False(t, fake.lastParams.NoAnnotations)
		require.Len(t, records, 2)
		assert.Equal(t, "Europe/Berlin", records[1][2])
	})
}
