package cost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
)

type fakeExplorer struct {
	inputs []costexplorer.GetCostAndUsageInput
	pages  map[string][]*costexplorer.GetCostAndUsageOutput
	served map[string]int
	err    error
}

func (f *fakeExplorer) GetCostAndUsage(_ context.Context, in *costexplorer.GetCostAndUsageInput, _ ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	f.inputs = append(f.inputs, *in)
	if f.err != nil {
		return nil, f.err
	}
	start := aws.ToString(in.TimePeriod.Start)
	i := f.served[start]
	f.served[start]++
	return f.pages[start][i], nil
}

func group(account, amount string) cetypes.Group {
	return cetypes.Group{
		Keys: []string{account},
		Metrics: map[string]cetypes.MetricValue{
			DefaultMetric: {Amount: aws.String(amount), Unit: aws.String("USD")},
		},
	}
}

func TestExplorerReporterGroupsByStartDate(t *testing.T) {
	march := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	april := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

	fake := &fakeExplorer{
		served: map[string]int{},
		pages: map[string][]*costexplorer.GetCostAndUsageOutput{
			"2024-03-01": {
				{
					ResultsByTime: []cetypes.ResultByTime{{Groups: []cetypes.Group{group("111", "10.5"), group("222", "3")}}},
					NextPageToken: aws.String("page-2"),
				},
				{
					ResultsByTime: []cetypes.ResultByTime{{Groups: []cetypes.Group{group("111", "4.5")}}},
				},
			},
			"2024-04-02": {
				{ResultsByTime: []cetypes.ResultByTime{{Groups: []cetypes.Group{group("333", "7.25")}}}},
			},
		},
	}
	reporter := NewExplorerReporter(fake, "", nil)

	windows := []AccountWindow{
		{AccountID: "111", StartDate: march},
		{AccountID: "222", StartDate: march},
		{AccountID: "333", StartDate: april},
		{AccountID: "444", StartDate: april},
	}
	report, err := reporter.GetCostForLeases(context.Background(), windows, asOf)
	require.NoError(t, err)

	assert.InDelta(t, 15.0, report.Cost(windows[0]), 1e-9)
	assert.InDelta(t, 3.0, report.Cost(windows[1]), 1e-9)
	assert.InDelta(t, 7.25, report.Cost(windows[2]), 1e-9)
	assert.Zero(t, report.Cost(windows[3]))

	require.Len(t, fake.inputs, 3)
	first := fake.inputs[0]
	assert.Equal(t, "2024-03-01", aws.ToString(first.TimePeriod.Start))
	assert.Equal(t, "2024-04-11", aws.ToString(first.TimePeriod.End))
	assert.Equal(t, []string{"111", "222"}, first.Filter.Dimensions.Values)
	assert.Equal(t, "2024-04-02", aws.ToString(fake.inputs[2].TimePeriod.Start))
}

func TestExplorerReporterSkipsFutureStarts(t *testing.T) {
	fake := &fakeExplorer{served: map[string]int{}}
	asOf := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)

	report, err := NewExplorerReporter(fake, "", nil).GetCostForLeases(context.Background(),
		[]AccountWindow{{AccountID: "111", StartDate: asOf.AddDate(0, 0, 3)}}, asOf)
	require.NoError(t, err)
	assert.Empty(t, fake.inputs)
	assert.Len(t, report, 1)
}

func TestExplorerReporterClassifiesErrors(t *testing.T) {
	fake := &fakeExplorer{
		served: map[string]int{},
		err:    &smithy.GenericAPIError{Code: "LimitExceededException", Message: "slow down", Fault: smithy.FaultClient},
	}
	_, err := NewExplorerReporter(fake, "", nil).GetCostForLeases(context.Background(),
		[]AccountWindow{{AccountID: "111", StartDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}},
		time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Equal(t, provisioning.ErrorClassThrottled, provisioning.ClassOf(err), "Cost Explorer rate limit")
	assert.True(t, provisioning.IsRetryable(err))
}

func TestStaticReporter(t *testing.T) {
	r := NewStaticReporter(map[string]float64{"111": 12})
	r.Set("222", 3)

	w := []AccountWindow{{AccountID: "111"}, {AccountID: "222"}, {AccountID: "333"}}
	report, err := r.GetCostForLeases(context.Background(), w, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 12.0, report.Cost(w[0]))
	assert.Equal(t, 3.0, report.Cost(w[1]))
	assert.Zero(t, report.Cost(w[2]))

	boom := errors.New("cost service down")
	r.FailWith(boom)
	_, err = r.GetCostForLeases(context.Background(), w, time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, r.Calls())
}
