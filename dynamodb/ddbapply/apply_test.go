package ddbapply

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/acksell/immaterial/dynamodb/ddbstate"
	"github.com/acksell/immaterial/dynamodb/policy"
	"github.com/acksell/immaterial/dynamodb/provision"
	"github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, name string, tags map[string]string) provision.Declaration {
	t.Helper()
	d, err := provision.Render(provision.Inputs{TableName: name, Tags: tags})
	require.NoError(t, err)
	return d
}

func newTestApplier(mock *MockAWS) *Applier {
	return New(mock.Clients(), WithWaitTimeout(time.Minute), WithWaiterDelay(time.Millisecond))
}

func createVersionInput(policyARN, doc string) *iam.CreatePolicyVersionInput {
	return &iam.CreatePolicyVersionInput{
		PolicyArn:      aws.String(policyARN),
		PolicyDocument: aws.String(doc),
		SetAsDefault:   true,
	}
}

func indexOf(calls []string, op string) int {
	return slices.Index(calls, op)
}

func TestApplyCreatesTableThenPolicy(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	decl := render(t, "orders", map[string]string{"env": "prod"})

	out, err := newTestApplier(mock).Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)

	require.Equal(t, "orders", out.TableName)
	require.Equal(t, "arn:aws:dynamodb:us-east-1:123456789012:table/orders", out.TableARN)
	require.Equal(t, "arn:aws:iam::123456789012:policy/orders_policy", out.PolicyARN)

	calls := mock.Calls()
	require.Less(t, indexOf(calls, "CreateTable"), indexOf(calls, "CreatePolicy"))

	desc, ok := mock.Table("orders")
	require.True(t, ok)
	require.Equal(t, ddbtypes.BillingModePayPerRequest, desc.BillingModeSummary.BillingMode)
	require.Len(t, desc.GlobalSecondaryIndexes, 2)
	require.Equal(t, map[string]string{"env": "prod"}, mock.TableTags(out.TableARN))

	raw, ok := mock.PolicyDocument(out.PolicyARN)
	require.True(t, ok)
	doc, err := policy.Parse(raw)
	require.NoError(t, err)
	require.True(t, doc.Equal(policy.ForTable(out.TableARN)))
}

func TestApplyIsConvergent(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)
	decl := render(t, "orders", nil)

	first, err := applier.Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)
	prev := &ddbstate.Record{Inputs: decl.Inputs, Outputs: first}

	second, err := applier.Apply(ctx, NewPlan(decl, prev))
	require.NoError(t, err)
	require.Equal(t, first, second)

	calls := mock.Calls()
	require.Equal(t, 1, countOf(calls, "CreateTable"))
	require.Equal(t, 1, countOf(calls, "CreatePolicy"))
	require.Zero(t, countOf(calls, "CreatePolicyVersion"))
	require.Zero(t, countOf(calls, "TagResource"))
	require.Equal(t, 1, mock.PolicyVersionCount(first.PolicyARN))
}

func countOf(calls []string, op string) int {
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func TestApplyReconcilesTags(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)

	out, err := applier.Apply(ctx, NewPlan(render(t, "orders", map[string]string{"env": "dev", "owner": "me"}), nil))
	require.NoError(t, err)

	_, err = applier.Apply(ctx, NewPlan(render(t, "orders", map[string]string{"env": "prod"}), nil))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"env": "prod"}, mock.TableTags(out.TableARN))

	_, err = applier.Apply(ctx, NewPlan(render(t, "orders", nil), nil))
	require.NoError(t, err)
	require.Empty(t, mock.TableTags(out.TableARN))
}

func TestApplySwitchesBillingMode(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	decl := render(t, "orders", nil)

	in := decl.Table.CreateTableInput()
	existing := &ddbtypes.TableDescription{
		TableName:            in.TableName,
		TableStatus:          ddbtypes.TableStatusActive,
		KeySchema:            in.KeySchema,
		AttributeDefinitions: in.AttributeDefinitions,
		BillingModeSummary:   &ddbtypes.BillingModeSummary{BillingMode: ddbtypes.BillingModeProvisioned},
	}
	for _, g := range in.GlobalSecondaryIndexes {
		existing.GlobalSecondaryIndexes = append(existing.GlobalSecondaryIndexes, ddbtypes.GlobalSecondaryIndexDescription{
			IndexName: g.IndexName, KeySchema: g.KeySchema, Projection: g.Projection,
		})
	}
	mock.PutTable(existing)

	_, err := newTestApplier(mock).Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)
	require.Contains(t, mock.Calls(), "UpdateTable")
	require.NotContains(t, mock.Calls(), "CreateTable")

	desc, _ := mock.Table("orders")
	require.Equal(t, ddbtypes.BillingModePayPerRequest, desc.BillingModeSummary.BillingMode)
}

func TestApplyRejectsIncompatibleTable(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	mock.PutTable(&ddbtypes.TableDescription{
		TableName:   aws.String("orders"),
		TableStatus: ddbtypes.TableStatusActive,
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: ddbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
	})

	_, err := newTestApplier(mock).Apply(ctx, NewPlan(render(t, "orders", nil), nil))
	require.ErrorIs(t, err, ErrIncompatibleTable)
	require.NotContains(t, mock.Calls(), "CreatePolicy")
}

func TestApplyUpdatesDriftedPolicy(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)
	decl := render(t, "orders", nil)

	out, err := applier.Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)

	// Someone narrowed the policy by hand; fill the version history too.
	drifted := policy.ForTable(out.TableARN)
	drifted.Statement[0].Action = drifted.Statement[0].Action[:1]
	driftedJSON, err := drifted.JSON()
	require.NoError(t, err)
	for range 4 {
		_, err := mock.CreatePolicyVersion(ctx, createVersionInput(out.PolicyARN, driftedJSON))
		require.NoError(t, err)
	}
	require.Equal(t, 5, mock.PolicyVersionCount(out.PolicyARN))

	_, err = applier.Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)
	require.Equal(t, 5, mock.PolicyVersionCount(out.PolicyARN))
	require.Contains(t, mock.Calls(), "DeletePolicyVersion")

	raw, _ := mock.PolicyDocument(out.PolicyARN)
	doc, err := policy.Parse(raw)
	require.NoError(t, err)
	require.True(t, doc.Equal(policy.ForTable(out.TableARN)))
}

func TestApplyReplacesOnRename(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)

	oldDecl := render(t, "orders", nil)
	oldOut, err := applier.Apply(ctx, NewPlan(oldDecl, nil))
	require.NoError(t, err)
	prev := &ddbstate.Record{Inputs: oldDecl.Inputs, Outputs: oldOut}

	plan := NewPlan(render(t, "orders_v2", nil), prev)
	require.True(t, plan.Replaces())
	newOut, err := New(mock.Clients(), WithAllowReplace(true), WithWaiterDelay(time.Millisecond)).Apply(ctx, plan)
	require.NoError(t, err)

	_, ok := mock.Table("orders")
	require.False(t, ok)
	_, ok = mock.PolicyDocument(oldOut.PolicyARN)
	require.False(t, ok)

	_, ok = mock.Table("orders_v2")
	require.True(t, ok)
	require.Equal(t, "arn:aws:iam::123456789012:policy/orders_v2_policy", newOut.PolicyARN)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)
	decl := render(t, "orders", nil)

	out, err := applier.Apply(ctx, NewPlan(decl, nil))
	require.NoError(t, err)
	_, err = mock.CreatePolicyVersion(ctx, createVersionInput(out.PolicyARN, `{"Version":"2012-10-17","Statement":[]}`))
	require.NoError(t, err)

	require.NoError(t, applier.Destroy(ctx, out))
	_, ok := mock.Table("orders")
	require.False(t, ok)
	_, ok = mock.PolicyDocument(out.PolicyARN)
	require.False(t, ok)

	calls := mock.Calls()
	require.Less(t, indexOf(calls, "DeletePolicy"), indexOf(calls, "DeleteTable"))

	t.Run("already gone", func(t *testing.T) {
		require.NoError(t, applier.Destroy(ctx, out))
	})
}

func TestApplyWrapsProviderErrors(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	boom := errors.New("throttled")
	mock.FailOn("CreatePolicy", boom)

	_, err := newTestApplier(mock).Apply(ctx, NewPlan(render(t, "orders", nil), nil))
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, `create policy "orders_policy"`)

	// The table was still created; a later apply picks up from there.
	_, ok := mock.Table("orders")
	require.True(t, ok)
}

func TestApplyRefusesReplaceByDefault(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	applier := newTestApplier(mock)

	oldDecl := render(t, "orders", nil)
	oldOut, err := applier.Apply(ctx, NewPlan(oldDecl, nil))
	require.NoError(t, err)
	prev := &ddbstate.Record{Inputs: oldDecl.Inputs, Outputs: oldOut}
	before := len(mock.Calls())

	_, err = applier.Apply(ctx, NewPlan(render(t, "orders_v2", nil), prev))
	require.ErrorIs(t, err, ErrReplaceNotAllowed)
	require.ErrorContains(t, err, `-/+ table orders_v2 (replace: name changes from "orders")`)
	require.Len(t, mock.Calls(), before, "no AWS call may happen")

	_, ok := mock.Table("orders")
	require.True(t, ok)
	_, ok = mock.Table("orders_v2")
	require.False(t, ok)
}

func tableInStatus(t *testing.T, decl provision.Declaration, status ddbtypes.TableStatus) *ddbtypes.TableDescription {
	t.Helper()
	in := decl.Table.CreateTableInput()
	desc := &ddbtypes.TableDescription{
		TableName:            in.TableName,
		TableStatus:          status,
		KeySchema:            in.KeySchema,
		AttributeDefinitions: in.AttributeDefinitions,
		BillingModeSummary:   &ddbtypes.BillingModeSummary{BillingMode: ddbtypes.BillingModePayPerRequest},
	}
	for _, g := range in.GlobalSecondaryIndexes {
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, ddbtypes.GlobalSecondaryIndexDescription{
			IndexName: g.IndexName, KeySchema: g.KeySchema, Projection: g.Projection,
		})
	}
	return desc
}

func TestApplyTableStatus(t *testing.T) {
	t.Run("creating after create", func(t *testing.T) {
		mock := NewMockAWS()
		mock.CreateStatus = ddbtypes.TableStatusCreating

		out, err := newTestApplier(mock).Apply(context.Background(), NewPlan(render(t, "orders", nil), nil))
		require.NoError(t, err)
		require.NotEmpty(t, out.PolicyARN)
		require.GreaterOrEqual(t, countOf(mock.Calls(), "DescribeTable"), 3)

		desc, _ := mock.Table("orders")
		require.Equal(t, ddbtypes.TableStatusActive, desc.TableStatus)
	})

	t.Run("existing table updating", func(t *testing.T) {
		mock := NewMockAWS()
		decl := render(t, "orders", nil)
		mock.PutTable(tableInStatus(t, decl, ddbtypes.TableStatusUpdating))

		_, err := newTestApplier(mock).Apply(context.Background(), NewPlan(decl, nil))
		require.NoError(t, err)
		require.NotContains(t, mock.Calls(), "CreateTable")
	})

	t.Run("existing table deleting is recreated", func(t *testing.T) {
		mock := NewMockAWS()
		decl := render(t, "orders", map[string]string{"env": "prod"})
		// The layout does not matter, the table is going away.
		deleting := tableInStatus(t, render(t, "orders", nil), ddbtypes.TableStatusDeleting)
		deleting.GlobalSecondaryIndexes = nil
		mock.PutTable(deleting)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := newTestApplier(mock).Apply(ctx, NewPlan(decl, nil))
		require.NoError(t, err)

		calls := mock.Calls()
		require.Equal(t, 1, countOf(calls, "CreateTable"))
		desc, ok := mock.Table("orders")
		require.True(t, ok)
		require.Equal(t, ddbtypes.TableStatusActive, desc.TableStatus)
		require.Len(t, desc.GlobalSecondaryIndexes, 2)
		require.Equal(t, map[string]string{"env": "prod"}, mock.TableTags(out.TableARN))
	})
}

func TestApplyReadsEveryPage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAWS()
	mock.PageSize = 2
	applier := newTestApplier(mock)

	tags := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	out, err := applier.Apply(ctx, NewPlan(render(t, "orders", tags), nil))
	require.NoError(t, err)

	// Keys on the last page must still be seen and removed.
	_, err = applier.Apply(ctx, NewPlan(render(t, "orders", map[string]string{"a": "1"}), nil))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1"}, mock.TableTags(out.TableARN))
	require.GreaterOrEqual(t, countOf(mock.Calls(), "ListTagsOfResource"), 3)

	// Five versions span three pages; the oldest non-default one is on the first.
	drifted := policy.ForTable(out.TableARN)
	drifted.Statement[0].Action = drifted.Statement[0].Action[:1]
	driftedJSON, err := drifted.JSON()
	require.NoError(t, err)
	for range 4 {
		_, err := mock.CreatePolicyVersion(ctx, createVersionInput(out.PolicyARN, driftedJSON))
		require.NoError(t, err)
	}
	_, err = applier.Apply(ctx, NewPlan(render(t, "orders", map[string]string{"a": "1"}), nil))
	require.NoError(t, err)
	require.Equal(t, 5, mock.PolicyVersionCount(out.PolicyARN))
	require.GreaterOrEqual(t, countOf(mock.Calls(), "ListPolicyVersions"), 3)

	require.NoError(t, applier.Destroy(ctx, out))
	_, ok := mock.PolicyDocument(out.PolicyARN)
	require.False(t, ok)
}
