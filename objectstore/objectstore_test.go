package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Put(ctx, "a/b.pdf", []byte("data"), "application/pdf"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	data, err := m.Get(ctx, "a/b.pdf")
	if err != nil || string(data) != "data" {
		t.Fatalf("get = %q, %v", data, err)
	}

	ok, err := m.Exists(ctx, "a/b.pdf")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	ok, _ = m.Exists(ctx, "missing")
	if ok {
		t.Fatal("missing key reported present")
	}

	// Overwrite by the same key is the idempotent-redelivery path.
	if err := m.Put(ctx, "a/b.pdf", []byte("data"), "application/pdf"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", m.Len())
	}
}

type mockIAM struct {
	decisions map[string]iamtypes.PolicyEvaluationDecisionType
	err       error
}

func (m *mockIAM) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := &iam.SimulatePrincipalPolicyOutput{}
	for _, action := range params.ActionNames {
		a := action
		out.EvaluationResults = append(out.EvaluationResults, iamtypes.EvaluationResult{
			EvalActionName: &a,
			EvalDecision:   m.decisions[action],
		})
	}
	return out, nil
}

func TestPreflightAllows(t *testing.T) {
	client := &mockIAM{decisions: map[string]iamtypes.PolicyEvaluationDecisionType{
		"s3:GetObject": iamtypes.PolicyEvaluationDecisionTypeAllowed,
		"s3:PutObject": iamtypes.PolicyEvaluationDecisionTypeAllowed,
	}}
	if err := Preflight(context.Background(), client, "arn:aws:iam::123:role/planproc", "plans"); err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
}

func TestPreflightFailsOnDeniedAction(t *testing.T) {
	client := &mockIAM{decisions: map[string]iamtypes.PolicyEvaluationDecisionType{
		"s3:GetObject": iamtypes.PolicyEvaluationDecisionTypeAllowed,
		"s3:PutObject": iamtypes.PolicyEvaluationDecisionTypeExplicitDeny,
	}}
	if err := Preflight(context.Background(), client, "arn:aws:iam::123:role/planproc", "plans"); err == nil {
		t.Fatal("expected denial")
	}
}

func TestPreflightPropagatesAPIErrors(t *testing.T) {
	client := &mockIAM{err: errors.New("throttled")}
	if err := Preflight(context.Background(), client, "arn", "plans"); err == nil {
		t.Fatal("expected error")
	}
}
