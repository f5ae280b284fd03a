// Package ddbapply converges AWS to a rendered declaration: it creates or
// reconciles the table, then the access policy that references the table's
// ARN, and tears both down again on destroy.
package ddbapply

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/acksell/immaterial/dynamodb/ddbiface"
	"github.com/acksell/immaterial/dynamodb/policy"
	"github.com/acksell/immaterial/dynamodb/provision"
	"github.com/acksell/immaterial/dynamodb/table"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
)

var ErrIncompatibleTable = errors.New("existing table is incompatible with the declaration")

// ErrReplaceNotAllowed is returned when a plan replaces resources and the
// applier was not created with WithAllowReplace.
var ErrReplaceNotAllowed = errors.New("plan replaces resources and replacement is not allowed")

// IAM keeps at most this many versions of a managed policy.
const maxPolicyVersions = 5

// Clients are the AWS APIs used by the applier.
type Clients struct {
	DynamoDB ddbiface.DynamoDBControlPlane
	IAM      ddbiface.IAMPolicyClient
	STS      ddbiface.STSClient
}

type Applier struct {
	clients     Clients
	log         zerolog.Logger
	waitTimeout time.Duration
	waiterDelay time.Duration
	// Replacing deletes the previous table and its items.
	allowReplace bool
}

type Option func(*Applier)

// WithLogger sets the logger. Defaults to a disabled logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Applier) { a.log = l }
}

// WithWaitTimeout bounds how long to wait for a table to become active or
// disappear. Defaults to five minutes.
func WithWaitTimeout(d time.Duration) Option {
	return func(a *Applier) { a.waitTimeout = d }
}

// WithWaiterDelay sets the minimum delay between table status polls.
func WithWaiterDelay(d time.Duration) Option {
	return func(a *Applier) { a.waiterDelay = d }
}

// WithAllowReplace permits plans that destroy the previous resources.
func WithAllowReplace(allow bool) Option {
	return func(a *Applier) { a.allowReplace = allow }
}

func New(clients Clients, opts ...Option) *Applier {
	a := &Applier{
		clients:     clients,
		log:         zerolog.Nop(),
		waitTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply executes the plan and returns the outputs of the declared resources.
// When the plan replaces resources the previous ones are destroyed first.
func (a *Applier) Apply(ctx context.Context, plan Plan) (provision.Outputs, error) {
	decl := plan.Declaration
	if plan.Replaces() && plan.Previous != nil {
		if !a.allowReplace {
			return provision.Outputs{}, fmt.Errorf("%w:\n%s", ErrReplaceNotAllowed, plan)
		}
		a.log.Info().
			Str("old_table", plan.Previous.Outputs.TableName).
			Str("new_table", decl.Table.Name).
			Msg("replacing resources")
		if err := a.Destroy(ctx, plan.Previous.Outputs); err != nil {
			return provision.Outputs{}, fmt.Errorf("destroy replaced resources: %w", err)
		}
	}

	tableARN, err := a.ensureTable(ctx, decl.Table)
	if err != nil {
		return provision.Outputs{}, err
	}
	policyARN, err := a.ensurePolicy(ctx, decl.Policy.Name, decl.Bind(tableARN))
	if err != nil {
		return provision.Outputs{}, err
	}
	out := provision.Outputs{
		TableName: decl.Table.Name,
		TableARN:  tableARN,
		PolicyARN: policyARN,
	}
	a.log.Info().
		Str("table_arn", out.TableARN).
		Str("iam_policy_arn", out.PolicyARN).
		Msg("apply complete")
	return out, nil
}

// Destroy removes the policy and then the table. Resources that no longer
// exist are skipped.
func (a *Applier) Destroy(ctx context.Context, out provision.Outputs) error {
	if out.PolicyARN != "" {
		if err := a.deletePolicy(ctx, out.PolicyARN); err != nil {
			return err
		}
	}
	if out.TableName != "" {
		if err := a.deleteTable(ctx, out.TableName); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Table
// =============================================================================

func (a *Applier) ensureTable(ctx context.Context, def table.TableDefinition) (string, error) {
	log := a.log.With().Str("table", def.Name).Logger()

	desc, err := a.clients.DynamoDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(def.Name)})
	if isTableNotFound(err) {
		return a.createTable(ctx, def, log)
	}
	if err != nil {
		return "", fmt.Errorf("describe table %q: %w", def.Name, err)
	}

	current := desc.Table
	if current.TableStatus == ddbtypes.TableStatusDeleting {
		log.Info().Msg("table is being deleted, waiting to recreate it")
		if err := a.waitForTableDeleted(ctx, def.Name); err != nil {
			return "", err
		}
		return a.createTable(ctx, def, log)
	}
	if err := def.MatchesDescription(current); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIncompatibleTable, err)
	}
	if current.TableStatus != ddbtypes.TableStatusActive {
		log.Info().Str("status", string(current.TableStatus)).Msg("waiting for table")
		if current, err = a.waitForTable(ctx, def.Name); err != nil {
			return "", err
		}
	}

	if billingMode(current) != ddbtypes.BillingModePayPerRequest {
		log.Info().Msg("switching table to on-demand capacity")
		_, err := a.clients.DynamoDB.UpdateTable(ctx, &dynamodb.UpdateTableInput{
			TableName:   aws.String(def.Name),
			BillingMode: ddbtypes.BillingModePayPerRequest,
		})
		if err != nil {
			return "", fmt.Errorf("update billing mode of table %q: %w", def.Name, err)
		}
		if current, err = a.waitForTable(ctx, def.Name); err != nil {
			return "", err
		}
	}

	tableARN := aws.ToString(current.TableArn)
	if err := a.reconcileTags(ctx, tableARN, def.Tags, log); err != nil {
		return "", err
	}
	log.Debug().Str("table_arn", tableARN).Msg("table up to date")
	return tableARN, nil
}

func (a *Applier) createTable(ctx context.Context, def table.TableDefinition, log zerolog.Logger) (string, error) {
	log.Info().Msg("creating table")
	if _, err := a.clients.DynamoDB.CreateTable(ctx, def.CreateTableInput()); err != nil {
		return "", fmt.Errorf("create table %q: %w", def.Name, err)
	}
	desc, err := a.waitForTable(ctx, def.Name)
	if err != nil {
		return "", err
	}
	log.Info().Str("table_arn", aws.ToString(desc.TableArn)).Msg("table created")
	return aws.ToString(desc.TableArn), nil
}

func (a *Applier) waitForTable(ctx context.Context, name string) (*ddbtypes.TableDescription, error) {
	waiter := dynamodb.NewTableExistsWaiter(a.clients.DynamoDB, func(o *dynamodb.TableExistsWaiterOptions) {
		if a.waiterDelay > 0 {
			o.MinDelay = a.waiterDelay
		}
	})
	out, err := waiter.WaitForOutput(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, a.waitTimeout)
	if err != nil {
		return nil, fmt.Errorf("wait for table %q: %w", name, err)
	}
	return out.Table, nil
}

func billingMode(desc *ddbtypes.TableDescription) ddbtypes.BillingMode {
	if desc.BillingModeSummary == nil {
		return ddbtypes.BillingModeProvisioned
	}
	return desc.BillingModeSummary.BillingMode
}

func (a *Applier) reconcileTags(ctx context.Context, tableARN string, want map[string]string, log zerolog.Logger) error {
	current, err := a.listTags(ctx, tableARN)
	if err != nil {
		return err
	}

	var set []ddbtypes.Tag
	for _, tag := range table.SortedTags(want) {
		if v, ok := current[aws.ToString(tag.Key)]; !ok || v != aws.ToString(tag.Value) {
			set = append(set, tag)
		}
	}
	var remove []string
	for k := range current {
		if _, ok := want[k]; !ok && !strings.HasPrefix(k, "aws:") {
			remove = append(remove, k)
		}
	}
	slices.Sort(remove)

	if len(set) > 0 {
		log.Info().Int("count", len(set)).Msg("tagging table")
		if _, err := a.clients.DynamoDB.TagResource(ctx, &dynamodb.TagResourceInput{
			ResourceArn: aws.String(tableARN),
			Tags:        set,
		}); err != nil {
			return fmt.Errorf("tag table %q: %w", tableARN, err)
		}
	}
	if len(remove) > 0 {
		log.Info().Strs("keys", remove).Msg("untagging table")
		if _, err := a.clients.DynamoDB.UntagResource(ctx, &dynamodb.UntagResourceInput{
			ResourceArn: aws.String(tableARN),
			TagKeys:     remove,
		}); err != nil {
			return fmt.Errorf("untag table %q: %w", tableARN, err)
		}
	}
	return nil
}

func (a *Applier) listTags(ctx context.Context, tableARN string) (map[string]string, error) {
	tags := make(map[string]string)
	var next *string
	for {
		out, err := a.clients.DynamoDB.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
			ResourceArn: aws.String(tableARN),
			NextToken:   next,
		})
		if err != nil {
			return nil, fmt.Errorf("list tags of %q: %w", tableARN, err)
		}
		for _, t := range out.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		if out.NextToken == nil {
			return tags, nil
		}
		next = out.NextToken
	}
}

func (a *Applier) deleteTable(ctx context.Context, name string) error {
	log := a.log.With().Str("table", name).Logger()
	_, err := a.clients.DynamoDB.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
	if isTableNotFound(err) {
		log.Info().Msg("table already deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete table %q: %w", name, err)
	}
	if err := a.waitForTableDeleted(ctx, name); err != nil {
		return err
	}
	log.Info().Msg("table deleted")
	return nil
}

func (a *Applier) waitForTableDeleted(ctx context.Context, name string) error {
	waiter := dynamodb.NewTableNotExistsWaiter(a.clients.DynamoDB, func(o *dynamodb.TableNotExistsWaiterOptions) {
		if a.waiterDelay > 0 {
			o.MinDelay = a.waiterDelay
		}
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, a.waitTimeout); err != nil {
		return fmt.Errorf("wait for table %q deletion: %w", name, err)
	}
	return nil
}

// =============================================================================
// Policy
// =============================================================================

// policyARN derives the ARN of a managed policy in the caller's account.
func (a *Applier) policyARN(ctx context.Context, name string) (string, error) {
	ident, err := a.clients.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	caller, err := arn.Parse(aws.ToString(ident.Arn))
	if err != nil {
		return "", fmt.Errorf("parse caller arn: %w", err)
	}
	return arn.ARN{
		Partition: caller.Partition,
		Service:   "iam",
		AccountID: aws.ToString(ident.Account),
		Resource:  "policy/" + name,
	}.String(), nil
}

func (a *Applier) ensurePolicy(ctx context.Context, name string, doc policy.Document) (string, error) {
	log := a.log.With().Str("policy", name).Logger()
	docJSON, err := doc.JSON()
	if err != nil {
		return "", err
	}
	policyARN, err := a.policyARN(ctx, name)
	if err != nil {
		return "", err
	}

	got, err := a.clients.IAM.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyARN)})
	if isNoSuchEntity(err) {
		log.Info().Msg("creating policy")
		out, err := a.clients.IAM.CreatePolicy(ctx, &iam.CreatePolicyInput{
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(docJSON),
		})
		if err != nil {
			return "", fmt.Errorf("create policy %q: %w", name, err)
		}
		log.Info().Str("iam_policy_arn", aws.ToString(out.Policy.Arn)).Msg("policy created")
		return aws.ToString(out.Policy.Arn), nil
	}
	if err != nil {
		return "", fmt.Errorf("get policy %q: %w", policyARN, err)
	}

	version, err := a.clients.IAM.GetPolicyVersion(ctx, &iam.GetPolicyVersionInput{
		PolicyArn: aws.String(policyARN),
		VersionId: got.Policy.DefaultVersionId,
	})
	if err != nil {
		return "", fmt.Errorf("get default version of policy %q: %w", policyARN, err)
	}
	current, err := policy.Parse(aws.ToString(version.PolicyVersion.Document))
	if err != nil {
		return "", fmt.Errorf("policy %q: %w", policyARN, err)
	}
	if current.Equal(doc) {
		log.Debug().Msg("policy up to date")
		return policyARN, nil
	}

	if err := a.prunePolicyVersions(ctx, policyARN); err != nil {
		return "", err
	}
	log.Info().Msg("updating policy document")
	if _, err := a.clients.IAM.CreatePolicyVersion(ctx, &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(policyARN),
		PolicyDocument: aws.String(docJSON),
		SetAsDefault:   true,
	}); err != nil {
		return "", fmt.Errorf("create version of policy %q: %w", policyARN, err)
	}
	return policyARN, nil
}

// prunePolicyVersions makes room for a new version by deleting the oldest
// non-default version once the IAM limit is reached.
func (a *Applier) prunePolicyVersions(ctx context.Context, policyARN string) error {
	versions, err := a.nonDefaultVersions(ctx, policyARN)
	if err != nil {
		return err
	}
	if len(versions)+1 < maxPolicyVersions {
		return nil
	}
	oldest := versions[0]
	a.log.Debug().Str("version", aws.ToString(oldest.VersionId)).Msg("deleting oldest policy version")
	if _, err := a.clients.IAM.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
		PolicyArn: aws.String(policyARN),
		VersionId: oldest.VersionId,
	}); err != nil {
		return fmt.Errorf("delete version %s of policy %q: %w", aws.ToString(oldest.VersionId), policyARN, err)
	}
	return nil
}

// nonDefaultVersions lists the versions that are not the default, oldest first.
func (a *Applier) nonDefaultVersions(ctx context.Context, policyARN string) ([]iamtypes.PolicyVersion, error) {
	var versions []iamtypes.PolicyVersion
	var marker *string
	for {
		out, err := a.clients.IAM.ListPolicyVersions(ctx, &iam.ListPolicyVersionsInput{
			PolicyArn: aws.String(policyARN),
			Marker:    marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list versions of policy %q: %w", policyARN, err)
		}
		for _, v := range out.Versions {
			if !v.IsDefaultVersion {
				versions = append(versions, v)
			}
		}
		if !out.IsTruncated {
			break
		}
		marker = out.Marker
	}
	slices.SortFunc(versions, func(x, y iamtypes.PolicyVersion) int {
		return aws.ToTime(x.CreateDate).Compare(aws.ToTime(y.CreateDate))
	})
	return versions, nil
}

func (a *Applier) deletePolicy(ctx context.Context, policyARN string) error {
	log := a.log.With().Str("iam_policy_arn", policyARN).Logger()
	versions, err := a.nonDefaultVersions(ctx, policyARN)
	if isNoSuchEntity(err) {
		log.Info().Msg("policy already deleted")
		return nil
	}
	if err != nil {
		return err
	}
	for _, v := range versions {
		if _, err := a.clients.IAM.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{
			PolicyArn: aws.String(policyARN),
			VersionId: v.VersionId,
		}); err != nil && !isNoSuchEntity(err) {
			return fmt.Errorf("delete version %s of policy %q: %w", aws.ToString(v.VersionId), policyARN, err)
		}
	}
	_, err = a.clients.IAM.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(policyARN)})
	if err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("delete policy %q: %w", policyARN, err)
	}
	log.Info().Msg("policy deleted")
	return nil
}
