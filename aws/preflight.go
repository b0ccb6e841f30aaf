package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// IdentityResolver returns the caller's own ARN, the principal
// SimulatePrincipalPolicy evaluates against.
type IdentityResolver interface {
	CallerARN(ctx context.Context) (string, error)
}

// STSIdentityResolver resolves the caller's ARN via STS
// GetCallerIdentity.
type STSIdentityResolver struct {
	client *sts.Client
}

// NewSTSIdentityResolver creates an STSIdentityResolver.
func NewSTSIdentityResolver(client *sts.Client) *STSIdentityResolver {
	return &STSIdentityResolver{client: client}
}

// CallerARN implements IdentityResolver.
func (r *STSIdentityResolver) CallerARN(ctx context.Context) (string, error) {
	out, err := r.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	if out.Arn == nil {
		return "", fmt.Errorf("caller identity response had no ARN")
	}
	return *out.Arn, nil
}

// Preflight confirms, before the Extractor accepts traffic, that its
// own IAM principal can perform the actions the chunk loop depends on:
// s3:PutObject/s3:GetObject against the raw-data bucket and
// dynamodb:PutItem against the telemetry table. A missing permission
// is a fatal config error per spec §6 ("fatal config errors ... exit
// non-zero at startup"): better to fail at boot than mid-run, after a
// handful of chunks have already been written.
func Preflight(ctx context.Context, iamClient IAMClient, identity IdentityResolver, bucketName, tableName string) error {
	callerARN, err := identity.CallerARN(ctx)
	if err != nil {
		return fmt.Errorf("preflight: failed to resolve caller identity: %w", err)
	}

	actions := []string{"s3:PutObject", "s3:GetObject"}
	resources := []string{
		fmt.Sprintf("arn:aws:s3:::%s/*", bucketName),
	}

	if err := simulate(ctx, iamClient, callerARN, actions, resources); err != nil {
		return fmt.Errorf("preflight: object store permissions check failed: %w", err)
	}

	tableActions := []string{"dynamodb:PutItem"}
	tableResources := []string{
		fmt.Sprintf("arn:aws:dynamodb:*:*:table/%s", tableName),
	}
	if err := simulate(ctx, iamClient, callerARN, tableActions, tableResources); err != nil {
		return fmt.Errorf("preflight: telemetry sink permissions check failed: %w", err)
	}

	return nil
}

func simulate(ctx context.Context, client IAMClient, callerARN string, actions, resources []string) error {
	out, err := client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: &callerARN,
		ActionNames:     actions,
		ResourceArns:    resources,
	})
	if err != nil {
		return fmt.Errorf("failed to simulate policy: %w", err)
	}

	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			action := ""
			if result.EvalActionName != nil {
				action = *result.EvalActionName
			}
			return fmt.Errorf("action %q is not allowed for principal %s (decision: %s)", action, callerARN, result.EvalDecision)
		}
	}

	return nil
}
