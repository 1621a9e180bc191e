package objectstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// requiredActions are the S3 permissions the pipeline exercises on the plan
// bucket: intake writes originals, workers write artifacts and read pages.
var requiredActions = []string{
	"s3:GetObject",
	"s3:PutObject",
}

// Preflight simulates the required S3 actions for the given principal against
// the plan bucket and fails fast on any denied action. Running this at
// startup turns a misconfigured role into an immediate error instead of a
// pipeline that stalls into timeouts.
func Preflight(ctx context.Context, client IAMClient, principalARN, bucket string) error {
	resource := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)

	resp, err := client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &principalARN,
		ActionNames:     requiredActions,
		ResourceArns:    []string{resource},
	})
	if err != nil {
		return fmt.Errorf("failed to simulate bucket permissions: %w", err)
	}

	for _, result := range resp.EvaluationResults {
		if result.EvalDecision != iamtypes.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			return fmt.Errorf("permission preflight failed: %s denied on %s", action, resource)
		}
	}
	return nil
}
