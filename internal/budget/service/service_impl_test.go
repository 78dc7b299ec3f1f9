package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
	"github.com/pixiesketch/platform/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usageMock struct {
	mock.Mock
}

func (m *usageMock) Record(ctx context.Context, accountID snowflake.ID, creditsUsed int64, operationType string, sketchID snowflake.ID) error {
	return nil
}

func (m *usageMock) SumRange(ctx context.Context, start, end time.Time) (int64, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).(int64), args.Error(1)
}

type budgetFixture struct {
	svc    budgetdomain.Service
	conn   *gorm.DB
	usage  *usageMock
	clk    *clock.FakeClock
	nowUTC time.Time
}

func newBudgetFixture(t *testing.T) *budgetFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(&budgetdomain.BudgetPeriod{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	usage := &usageMock{}
	clk := clock.NewFakeClock(now)

	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		UsageSvc: usage,
	})

	return &budgetFixture{svc: svc, conn: conn, usage: usage, clk: clk, nowUTC: now}
}

func (f *budgetFixture) createPeriod(t *testing.T, limit int64, hard bool) *budgetdomain.BudgetPeriod {
	t.Helper()
	period, err := f.svc.CreatePeriod(context.Background(), budgetdomain.CreatePeriodRequest{
		Name:             "march",
		TotalLimit:       limit,
		PeriodStart:      f.nowUTC.Add(-24 * time.Hour),
		PeriodEnd:        f.nowUTC.Add(24 * time.Hour),
		AlertThreshold:   0.8,
		HardLimitEnabled: hard,
	})
	require.NoError(t, err)
	return period
}

func TestAllow_NoPeriodConfigured(t *testing.T) {
	f := newBudgetFixture(t)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_UnderLimit(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(40), nil)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(60), decision.Remaining)
	assert.False(t, decision.ApproachingLimit)
}

func TestAllow_ApproachingThresholdStillAllows(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(85), nil)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.ApproachingLimit)
}

func TestAllow_HardLimitDenies(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(100), nil)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.Remaining)
}

func TestAllow_SoftLimitNeverDenies(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, false)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(250), nil)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAllow_FailsOpenOnAggregationError(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).
		Return(int64(0), assert.AnError)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "storage failure must not block paid users")
}

func TestAllow_ExpiredPeriodIsInactive(t *testing.T) {
	f := newBudgetFixture(t)
	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(100), nil)

	decision, err := f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	// Two days later the period has lapsed; nothing is enforced.
	f.clk.Advance(48 * time.Hour)
	decision, err = f.svc.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCreatePeriod_Validation(t *testing.T) {
	f := newBudgetFixture(t)

	_, err := f.svc.CreatePeriod(context.Background(), budgetdomain.CreatePeriodRequest{
		Name:        "",
		TotalLimit:  100,
		PeriodStart: f.nowUTC,
		PeriodEnd:   f.nowUTC.Add(time.Hour),
	})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidPeriod)

	_, err = f.svc.CreatePeriod(context.Background(), budgetdomain.CreatePeriodRequest{
		Name:        "backwards",
		TotalLimit:  100,
		PeriodStart: f.nowUTC.Add(time.Hour),
		PeriodEnd:   f.nowUTC,
	})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidPeriod)

	_, err = f.svc.CreatePeriod(context.Background(), budgetdomain.CreatePeriodRequest{
		Name:        "free",
		TotalLimit:  0,
		PeriodStart: f.nowUTC,
		PeriodEnd:   f.nowUTC.Add(time.Hour),
	})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidPeriod)
}

func TestUpdatePeriod(t *testing.T) {
	f := newBudgetFixture(t)
	period := f.createPeriod(t, 100, false)

	newLimit := int64(200)
	hard := true
	require.NoError(t, f.svc.UpdatePeriod(context.Background(), period.ID, budgetdomain.UpdatePeriodRequest{
		TotalLimit:       &newLimit,
		HardLimitEnabled: &hard,
	}))

	var stored budgetdomain.BudgetPeriod
	require.NoError(t, f.conn.First(&stored, "id = ?", period.ID).Error)
	assert.Equal(t, int64(200), stored.TotalLimit)
	assert.True(t, stored.HardLimitEnabled)

	node, _ := snowflake.NewNode(9)
	err := f.svc.UpdatePeriod(context.Background(), node.Generate(), budgetdomain.UpdatePeriodRequest{TotalLimit: &newLimit})
	assert.ErrorIs(t, err, budgetdomain.ErrPeriodNotFound)

	bad := int64(-1)
	err = f.svc.UpdatePeriod(context.Background(), period.ID, budgetdomain.UpdatePeriodRequest{TotalLimit: &bad})
	assert.ErrorIs(t, err, budgetdomain.ErrInvalidPeriod)
}

func TestStats(t *testing.T) {
	f := newBudgetFixture(t)

	_, err := f.svc.Stats(context.Background())
	assert.ErrorIs(t, err, budgetdomain.ErrNoActivePeriod)

	f.createPeriod(t, 100, true)
	f.usage.On("SumRange", mock.Anything, mock.Anything, mock.Anything).Return(int64(30), nil)

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), stats.UsedCredits)
	assert.Equal(t, int64(70), stats.Remaining)
	assert.InDelta(t, 30.0, stats.UsedPercentage, 0.001)
}
