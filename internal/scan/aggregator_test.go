package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

func passChecker(name string) Checker {
	return CheckerFunc{CheckerName: name, Fn: func(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
		return model.CheckerResult{Outcome: model.OutcomePass}, nil
	}}
}

func failChecker(name, msg string) Checker {
	return CheckerFunc{CheckerName: name, Fn: func(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
		return model.CheckerResult{
			Outcome:  model.OutcomeFail,
			Findings: []model.Finding{{Severity: model.SeverityError, Message: msg}},
		}, nil
	}}
}

func TestAggregator_UnanimousPass(t *testing.T) {
	agg := NewAggregator(time.Second)
	rev := model.NewRevision(map[string][]byte{"a": []byte("x")})

	verdict := agg.Evaluate(context.Background(), rev, []Checker{
		passChecker("iam"), passChecker("s3"), passChecker("network"),
	})

	assert.Equal(t, model.OutcomePass, verdict.Outcome)
	assert.Equal(t, rev.ID, verdict.RevisionID)
	assert.Empty(t, verdict.Findings)
	require.Len(t, verdict.Results, 3)
}

func TestAggregator_SingleFailMakesAggregateFail(t *testing.T) {
	agg := NewAggregator(time.Second)
	rev := model.NewRevision(map[string][]byte{"a": []byte("x")})

	verdict := agg.Evaluate(context.Background(), rev, []Checker{
		passChecker("iam"),
		failChecker("s3", "public-read bucket"),
		passChecker("network"),
	})

	assert.Equal(t, model.OutcomeFail, verdict.Outcome)
	require.Len(t, verdict.Findings, 1)
	assert.Equal(t, "public-read bucket", verdict.Findings[0].Message)
	assert.Equal(t, "s3", verdict.Findings[0].Checker)
}

func TestAggregator_ErroringCheckerIsNeverIgnored(t *testing.T) {
	agg := NewAggregator(time.Second)
	rev := model.NewRevision(map[string][]byte{"a": []byte("x")})

	broken := CheckerFunc{CheckerName: "broken", Fn: func(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
		return model.CheckerResult{}, errors.New("scanner crashed")
	}}

	verdict := agg.Evaluate(context.Background(), rev, []Checker{passChecker("iam"), broken})

	assert.Equal(t, model.OutcomeFail, verdict.Outcome)
	require.Len(t, verdict.Results, 2)
	assert.Equal(t, model.OutcomeError, verdict.Results[1].Outcome)
	assert.Contains(t, verdict.Results[1].Reason, "scanner crashed")
}

func TestAggregator_TimeoutRecordedAsError(t *testing.T) {
	agg := NewAggregator(20 * time.Millisecond)
	rev := model.NewRevision(map[string][]byte{"a": []byte("x")})

	slow := CheckerFunc{CheckerName: "slow", Fn: func(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
		select {
		case <-time.After(5 * time.Second):
			return model.CheckerResult{Outcome: model.OutcomePass}, nil
		case <-ctx.Done():
			return model.CheckerResult{}, ctx.Err()
		}
	}}

	verdict := agg.Evaluate(context.Background(), rev, []Checker{slow})

	assert.Equal(t, model.OutcomeFail, verdict.Outcome)
	require.Len(t, verdict.Results, 1)
	assert.Equal(t, model.OutcomeError, verdict.Results[0].Outcome)
	assert.Equal(t, TimeoutReason, verdict.Results[0].Reason)
}

func TestAggregator_FindingsKeepRegistrationOrderThenSeverity(t *testing.T) {
	agg := NewAggregator(time.Second)
	rev := model.NewRevision(map[string][]byte{"a": []byte("x")})

	first := CheckerFunc{CheckerName: "first", Fn: func(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
		return model.CheckerResult{
			Outcome: model.OutcomeFail,
			Findings: []model.Finding{
				{Severity: model.SeverityWarning, Message: "w1"},
				{Severity: model.SeverityError, Message: "e1"},
			},
		}, nil
	}}
	second := failChecker("second", "e2")

	verdict := agg.Evaluate(context.Background(), rev, []Checker{first, second})

	require.Len(t, verdict.Findings, 3)
	// First checker's findings come before the second checker's, with
	// errors before warnings within the checker.
	assert.Equal(t, "e1", verdict.Findings[0].Message)
	assert.Equal(t, "w1", verdict.Findings[1].Message)
	assert.Equal(t, "e2", verdict.Findings[2].Message)
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(passChecker("iam"))
	reg.Register(passChecker("s3"))

	checkers, err := reg.Resolve([]string{"s3", "iam"})
	require.NoError(t, err)
	require.Len(t, checkers, 2)
	assert.Equal(t, "s3", checkers[0].Name())

	_, err = reg.Resolve([]string{"missing"})
	require.Error(t, err)
}

func TestPolicyChecker(t *testing.T) {
	rules := []PolicyRule{
		{
			Name:         "no-public-s3",
			Description:  "S3 buckets must not have public-read ACL",
			ResourceType: "aws:s3.Bucket",
			Condition:    "property_equals",
			Property:     "acl",
			Value:        "public-read",
			Severity:     "error",
		},
		{
			Name:      "require-owner-tag",
			Condition: "require_property",
			Property:  "owner",
			Severity:  "warning",
		},
	}
	checker := NewPolicyChecker("policy", rules, "")

	t.Run("violation fails", func(t *testing.T) {
		rev := model.NewRevision(map[string][]byte{
			"deploy.json": []byte(`{"resources":[
				{"type":"aws:s3.Bucket","name":"logs","properties":{"acl":"public-read","owner":"infra"}}
			]}`),
		})
		result, err := checker.Check(context.Background(), rev)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFail, result.Outcome)
		require.Len(t, result.Findings, 1)
		assert.Contains(t, result.Findings[0].Message, "public-read")
		assert.Equal(t, "aws:s3.Bucket.logs", result.Findings[0].Resource)
	})

	t.Run("warnings alone still pass", func(t *testing.T) {
		rev := model.NewRevision(map[string][]byte{
			"deploy.json": []byte(`{"resources":[
				{"type":"aws:s3.Bucket","name":"logs","properties":{"acl":"private"}}
			]}`),
		})
		result, err := checker.Check(context.Background(), rev)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePass, result.Outcome)
		require.Len(t, result.Findings, 1)
		assert.Equal(t, model.SeverityWarning, result.Findings[0].Severity)
	})

	t.Run("missing document is an execution error", func(t *testing.T) {
		rev := model.NewRevision(map[string][]byte{"other.txt": []byte("x")})
		_, err := checker.Check(context.Background(), rev)
		require.Error(t, err)
	})
}

func TestCommandChecker(t *testing.T) {
	rev := model.NewRevision(map[string][]byte{"main.tf": []byte("resource {}")})
	ctx := context.Background()

	t.Run("exit zero passes", func(t *testing.T) {
		checker := NewCommandChecker("ext", []string{"sh", "-c", "exit 0"}, nil)
		result, err := checker.Check(ctx, rev)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePass, result.Outcome)
	})

	t.Run("exit one fails with parsed findings", func(t *testing.T) {
		checker := NewCommandChecker("ext", []string{"sh", "-c",
			`echo '{"findings":[{"severity":"error","message":"open security group","resource":"aws:ec2.Sg.web"}]}'; exit 1`}, nil)
		result, err := checker.Check(ctx, rev)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeFail, result.Outcome)
		require.Len(t, result.Findings, 1)
		assert.Equal(t, "open security group", result.Findings[0].Message)
	})

	t.Run("other exit codes are execution errors", func(t *testing.T) {
		checker := NewCommandChecker("ext", []string{"sh", "-c", "exit 3"}, nil)
		_, err := checker.Check(ctx, rev)
		require.Error(t, err)
	})
}
