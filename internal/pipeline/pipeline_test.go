package pipeline

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/lumidev/lumidev/internal/core/interfaces"
	"github.com/lumidev/lumidev/internal/notifier"
	"github.com/lumidev/lumidev/internal/scheduler"
	"github.com/lumidev/lumidev/pkg/errors"
	"github.com/lumidev/lumidev/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockCompiler is a mock implementation of interfaces.Compiler
type MockCompiler struct {
	mock.Mock
}

func (m *MockCompiler) Name() string { return "mock" }

func (m *MockCompiler) Compile(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockBundler is a mock implementation of interfaces.Bundler
type MockBundler struct {
	mock.Mock
}

func (m *MockBundler) Build(ctx context.Context) (interfaces.BundleHandle, *interfaces.BundleResult, error) {
	args := m.Called(ctx)
	var handle interfaces.BundleHandle
	if h := args.Get(0); h != nil {
		handle = h.(interfaces.BundleHandle)
	}
	var result *interfaces.BundleResult
	if r := args.Get(1); r != nil {
		result = r.(*interfaces.BundleResult)
	}
	return handle, result, args.Error(2)
}

// MockHandle is a mock implementation of interfaces.BundleHandle
type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) Rebuild(ctx context.Context) (*interfaces.BundleResult, error) {
	args := m.Called(ctx)
	var result *interfaces.BundleResult
	if r := args.Get(0); r != nil {
		result = r.(*interfaces.BundleResult)
	}
	return result, args.Error(1)
}

func (m *MockHandle) Dispose() {
	m.Called()
}

// MockBroadcaster is a mock implementation of interfaces.Broadcaster
type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

// recorder collects build records in memory
type recorder struct {
	records []*models.BuildRecord
}

func (r *recorder) RecordBuild(record *models.BuildRecord) error {
	r.records = append(r.records, record)
	return nil
}

func ok() *interfaces.BundleResult { return &interfaces.BundleResult{} }

func failed(msgs ...string) *interfaces.BundleResult {
	return &interfaces.BundleResult{Errors: msgs}
}

type fixture struct {
	compiler    *MockCompiler
	bundler     *MockBundler
	broadcaster *MockBroadcaster
	recorder    *recorder
	pipeline    *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		compiler:    &MockCompiler{},
		bundler:     &MockBundler{},
		broadcaster: &MockBroadcaster{},
		recorder:    &recorder{},
	}
	f.pipeline = New(f.compiler, f.bundler, f.broadcaster,
		WithRecorder(f.recorder),
		WithLogger(zap.NewNop()),
	)
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.compiler.AssertExpectations(t)
	f.bundler.AssertExpectations(t)
	f.broadcaster.AssertExpectations(t)
}

func TestFirstRunPerformsFullBuild(t *testing.T) {
	f := newFixture()
	handle := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Once()
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(100)).Once()

	require.NoError(t, f.pipeline.Run(context.Background()))
	assert.True(t, f.pipeline.HasHandle())

	f.assertExpectations(t)
	require.Len(t, f.recorder.records, 1)
	rec := f.recorder.records[0]
	assert.True(t, rec.Succeeded())
	assert.False(t, rec.Incremental)
	assert.Equal(t, int64(100), rec.Stamp)
}

func TestLaterRunsRebuildIncrementally(t *testing.T) {
	f := newFixture()
	handle := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Twice()
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	handle.On("Rebuild", mock.Anything).Return(ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(1)).Once()
	f.broadcaster.On("Broadcast").Return(int64(2)).Once()

	require.NoError(t, f.pipeline.Run(context.Background()))
	require.NoError(t, f.pipeline.Run(context.Background()))

	f.assertExpectations(t)
	handle.AssertExpectations(t)
	require.Len(t, f.recorder.records, 2)
	assert.True(t, f.recorder.records[1].Incremental)
}

func TestCompileFailureSkipsBundleAndBroadcast(t *testing.T) {
	f := newFixture()
	f.compiler.On("Compile", mock.Anything).Return(stderrors.New("exit status 1")).Once()

	err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCompileFailed(err))

	f.bundler.AssertNotCalled(t, "Build", mock.Anything)
	f.broadcaster.AssertNotCalled(t, "Broadcast")
	require.Len(t, f.recorder.records, 1)
	assert.Equal(t, StageCompile, f.recorder.records[0].FailedStage)
}

func TestFirstBundleFailureRetriesFullBuild(t *testing.T) {
	f := newFixture()
	handle := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Twice()
	f.bundler.On("Build", mock.Anything).Return(nil, failed("Could not resolve \"./App.bs.js\""), nil).Once()
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(9)).Once()

	err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsBundleFailed(err))
	assert.False(t, f.pipeline.HasHandle())

	require.NoError(t, f.pipeline.Run(context.Background()))
	assert.True(t, f.pipeline.HasHandle())
	f.assertExpectations(t)
	assert.False(t, f.recorder.records[1].Incremental)
}

func TestIncrementalErrorsKeepHandle(t *testing.T) {
	f := newFixture()
	handle := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Times(3)
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	handle.On("Rebuild", mock.Anything).Return(failed("syntax error"), nil).Once()
	handle.On("Rebuild", mock.Anything).Return(ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(1)).Twice()

	require.NoError(t, f.pipeline.Run(context.Background()))

	err := f.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsIncrementalRebuildFailed(err))
	assert.True(t, f.pipeline.HasHandle())

	require.NoError(t, f.pipeline.Run(context.Background()))
	f.assertExpectations(t)
	handle.AssertNotCalled(t, "Dispose")
	assert.Equal(t, StageBundleIncremental, f.recorder.records[1].FailedStage)
}

func TestBrokenHandleIsDisposed(t *testing.T) {
	f := newFixture()
	broken := &MockHandle{}
	fresh := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Times(3)
	f.bundler.On("Build", mock.Anything).Return(broken, ok(), nil).Once()
	f.bundler.On("Build", mock.Anything).Return(fresh, ok(), nil).Once()
	broken.On("Rebuild", mock.Anything).Return(nil, stderrors.New("context disposed")).Once()
	broken.On("Dispose").Return().Once()
	f.broadcaster.On("Broadcast").Return(int64(1)).Twice()

	require.NoError(t, f.pipeline.Run(context.Background()))
	require.Error(t, f.pipeline.Run(context.Background()))
	assert.False(t, f.pipeline.HasHandle())

	require.NoError(t, f.pipeline.Run(context.Background()))
	f.assertExpectations(t)
	broken.AssertExpectations(t)
}

func TestRunOnceFirstRunReplacesHandle(t *testing.T) {
	f := newFixture()
	old := &MockHandle{}
	replacement := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Twice()
	f.bundler.On("Build", mock.Anything).Return(old, ok(), nil).Once()
	f.bundler.On("Build", mock.Anything).Return(replacement, ok(), nil).Once()
	old.On("Dispose").Return().Once()
	f.broadcaster.On("Broadcast").Return(int64(1)).Twice()

	require.NoError(t, f.pipeline.RunOnce(context.Background(), true))
	require.NoError(t, f.pipeline.RunOnce(context.Background(), true))

	old.AssertExpectations(t)
	replacement.AssertNotCalled(t, "Dispose")
}

func TestCloseDisposesHandle(t *testing.T) {
	f := newFixture()
	handle := &MockHandle{}

	f.compiler.On("Compile", mock.Anything).Return(nil).Once()
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(1)).Once()
	handle.On("Dispose").Return().Once()

	require.NoError(t, f.pipeline.Run(context.Background()))
	require.NoError(t, f.pipeline.Close())
	require.NoError(t, f.pipeline.Close())
	handle.AssertExpectations(t)
}

// The scenarios below drive the pipeline through the real scheduler and notifier.

func TestEditRebuildNotifyScenario(t *testing.T) {
	compiler := &MockCompiler{}
	bundler := &MockBundler{}
	handle := &MockHandle{}
	compiler.On("Compile", mock.Anything).Return(nil)
	bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	handle.On("Rebuild", mock.Anything).Return(ok(), nil)

	n := notifier.New(zap.NewNop())
	p := New(compiler, bundler, n, WithLogger(zap.NewNop()))
	s := scheduler.New(context.Background(), zap.NewNop())

	s.Trigger(p.Run)
	s.Wait()
	first := n.Stamp()
	require.NotZero(t, first)

	sub := notifier.NewStreamSubscriber()
	n.Register(sub)
	assert.Equal(t, []notifier.Message{{LastSuccessBuildStamp: first}}, sub.Drain())

	s.Trigger(p.Run)
	s.Wait()

	msgs := sub.Drain()
	require.Len(t, msgs, 1)
	assert.Greater(t, msgs[0].LastSuccessBuildStamp, first)
	assert.Equal(t, 0, n.Len())
}

func TestCompileErrorThenFixScenario(t *testing.T) {
	compiler := &MockCompiler{}
	bundler := &MockBundler{}
	handle := &MockHandle{}
	compiler.On("Compile", mock.Anything).Return(nil).Once()
	compiler.On("Compile", mock.Anything).Return(stderrors.New("We've found a bug for you!")).Once()
	compiler.On("Compile", mock.Anything).Return(nil).Once()
	bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	handle.On("Rebuild", mock.Anything).Return(ok(), nil).Once()

	n := notifier.New(zap.NewNop())
	p := New(compiler, bundler, n, WithLogger(zap.NewNop()))
	s := scheduler.New(context.Background(), zap.NewNop())

	s.Trigger(p.Run)
	s.Wait()
	first := n.Stamp()

	sub := notifier.NewStreamSubscriber()
	n.Register(sub)
	sub.Drain()

	s.Trigger(p.Run)
	s.Wait()
	assert.Empty(t, sub.Drain())
	assert.Equal(t, first, n.Stamp())
	assert.Equal(t, 1, n.Len())

	s.Trigger(p.Run)
	s.Wait()
	msgs := sub.Drain()
	require.Len(t, msgs, 1)
	assert.Greater(t, msgs[0].LastSuccessBuildStamp, first)
	assert.Equal(t, int64(1), s.Stats().Failures)
}

// stageMessages returns the messages logged with stage=name, in order
func stageMessages(entries []observer.LoggedEntry, name string) []string {
	var msgs []string
	for _, e := range entries {
		if e.ContextMap()["stage"] == name {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func TestStagesLogStartAndOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture()
	f.pipeline = New(f.compiler, f.bundler, f.broadcaster, WithLogger(zap.New(core)))
	handle := &MockHandle{}
	ctx := context.Background()

	// compile failure
	f.compiler.On("Compile", mock.Anything).Return(stderrors.New("syntax error")).Once()
	require.Error(t, f.pipeline.Run(ctx))
	entries := logs.TakeAll()
	assert.Equal(t, []string{"Compiling", "Compilation failed"}, stageMessages(entries, StageCompile))
	assert.Empty(t, stageMessages(entries, StageBundle))

	// full bundle failure
	f.compiler.On("Compile", mock.Anything).Return(nil)
	f.bundler.On("Build", mock.Anything).Return(nil, failed("missing entry"), nil).Once()
	require.Error(t, f.pipeline.Run(ctx))
	entries = logs.TakeAll()
	assert.Equal(t, []string{"Compiling", "Compiled"}, stageMessages(entries, StageCompile))
	assert.Equal(t, []string{"Bundling", "Bundle failed"}, stageMessages(entries, StageBundle))

	// full bundle success
	f.bundler.On("Build", mock.Anything).Return(handle, ok(), nil).Once()
	f.broadcaster.On("Broadcast").Return(int64(1))
	require.NoError(t, f.pipeline.Run(ctx))
	entries = logs.TakeAll()
	assert.Equal(t, []string{"Bundling", "Bundled"}, stageMessages(entries, StageBundle))
	assert.Empty(t, stageMessages(entries, StageBundleIncremental))

	// incremental failure
	handle.On("Rebuild", mock.Anything).Return(failed("type error"), nil).Once()
	require.Error(t, f.pipeline.Run(ctx))
	entries = logs.TakeAll()
	assert.Equal(t, []string{"Bundling", "Incremental bundle failed"}, stageMessages(entries, StageBundleIncremental))
	assert.Empty(t, stageMessages(entries, StageBundle))

	// incremental success
	handle.On("Rebuild", mock.Anything).Return(ok(), nil).Once()
	require.NoError(t, f.pipeline.Run(ctx))
	entries = logs.TakeAll()
	assert.Equal(t, []string{"Compiling", "Compiled"}, stageMessages(entries, StageCompile))
	assert.Equal(t, []string{"Bundling", "Bundled"}, stageMessages(entries, StageBundleIncremental))
}
