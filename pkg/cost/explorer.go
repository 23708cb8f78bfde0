package cost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/smithy-go"

	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// DefaultMetric is the Cost Explorer metric summed per account.
const DefaultMetric = "UnblendedCost"

// maxAccountsPerFilter is the Cost Explorer limit on dimension values.
const maxAccountsPerFilter = 100

// CostExplorerAPI is the subset of the Cost Explorer client used by ExplorerReporter.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, in *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

// ExplorerReporter reads cumulative spend from AWS Cost Explorer. Windows
// sharing a start date are answered by one grouped query.
type ExplorerReporter struct {
	ce        CostExplorerAPI
	metric    string
	telemetry *telemetry.Telemetry
}

// NewExplorerReporter wraps an existing Cost Explorer client.
func NewExplorerReporter(ce CostExplorerAPI, metric string, tel *telemetry.Telemetry) *ExplorerReporter {
	if metric == "" {
		metric = DefaultMetric
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &ExplorerReporter{ce: ce, metric: metric, telemetry: tel}
}

// LoadExplorerReporter builds a reporter from the default AWS credential chain.
func LoadExplorerReporter(ctx context.Context, region, metric string, tel *telemetry.Telemetry) (*ExplorerReporter, error) {
	if region == "" {
		// Cost Explorer is only served from us-east-1.
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	ce := costexplorer.NewFromConfig(cfg, func(o *costexplorer.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewExplorerReporter(ce, metric, tel), nil
}

// GetCostForLeases implements Reporter. Spend is summed from each window's
// start day through asOf's day inclusive.
func (r *ExplorerReporter) GetCostForLeases(ctx context.Context, windows []AccountWindow, asOf time.Time) (Report, error) {
	report := make(Report, len(windows))

	byStart := make(map[string][]string)
	for _, w := range windows {
		report[w.Key()] = 0
		start := w.StartDate.UTC().Format(dateLayout)
		byStart[start] = appendUnique(byStart[start], w.AccountID)
	}

	starts := make([]string, 0, len(byStart))
	for start := range byStart {
		starts = append(starts, start)
	}
	sort.Strings(starts)

	end := asOf.UTC().AddDate(0, 0, 1).Format(dateLayout)
	for _, start := range starts {
		if start >= end {
			continue
		}
		accounts := byStart[start]
		for len(accounts) > 0 {
			n := min(len(accounts), maxAccountsPerFilter)
			if err := r.query(ctx, start, end, accounts[:n], report); err != nil {
				return nil, err
			}
			accounts = accounts[n:]
		}
	}
	return report, nil
}

func (r *ExplorerReporter) query(ctx context.Context, start, end string, accounts []string, report Report) error {
	in := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(start),
			End:   aws.String(end),
		},
		Granularity: cetypes.GranularityMonthly,
		Metrics:     []string{r.metric},
		GroupBy: []cetypes.GroupDefinition{{
			Type: cetypes.GroupDefinitionTypeDimension,
			Key:  aws.String(string(cetypes.DimensionLinkedAccount)),
		}},
		Filter: &cetypes.Expression{
			Dimensions: &cetypes.DimensionValues{
				Key:    cetypes.DimensionLinkedAccount,
				Values: accounts,
			},
		},
	}

	startDate, _ := time.Parse(dateLayout, start)
	return r.telemetry.RecordProvisioningCall(ctx, "GetCostAndUsage", provisioning.ClassLabel, func(ctx context.Context) error {
		for {
			out, err := r.ce.GetCostAndUsage(ctx, in)
			if err != nil {
				return classifyExplorerError(err)
			}
			for _, period := range out.ResultsByTime {
				for _, group := range period.Groups {
					if len(group.Keys) == 0 {
						continue
					}
					mv, ok := group.Metrics[r.metric]
					if !ok {
						continue
					}
					amount, err := strconv.ParseFloat(aws.ToString(mv.Amount), 64)
					if err != nil {
						return provisioning.NewPermanentError(fmt.Sprintf("invalid cost amount %q", aws.ToString(mv.Amount)), err).
							WithOperation("GetCostAndUsage")
					}
					key := AccountWindow{AccountID: group.Keys[0], StartDate: startDate}.Key()
					report[key] += amount
				}
			}
			if aws.ToString(out.NextPageToken) == "" {
				return nil
			}
			in.NextPageToken = out.NextPageToken
		}
	})
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

var _ Reporter = (*ExplorerReporter)(nil)

// classifyExplorerError treats LimitExceededException as throttling. Cost
// Explorer uses that code for its request rate limit.
func classifyExplorerError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "LimitExceededException" {
		return provisioning.NewThrottledError(apiErr.ErrorMessage(), err).
			WithCode(apiErr.ErrorCode()).
			WithOperation("GetCostAndUsage")
	}
	return provisioning.Classify(err, "GetCostAndUsage", "")
}
