package ddbapply

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/acksell/immaterial/dynamodb/ddbiface"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// MockAWS is an in-memory stand-in for the DynamoDB control plane, IAM and
// STS. Policy documents are returned URL encoded, as IAM does.
//
// A table in a transitional status settles after it has been described once:
// CREATING and UPDATING become ACTIVE, DELETING disappears.
type MockAWS struct {
	Region  string
	Account string
	// CreateStatus is the status of newly created tables. Defaults to ACTIVE.
	CreateStatus ddbtypes.TableStatus
	// PageSize limits ListTagsOfResource and ListPolicyVersions pages.
	// Zero returns everything in one page.
	PageSize int

	mu       sync.Mutex
	calls    []string
	failures map[string]error
	clock    time.Time
	tables   map[string]*ddbtypes.TableDescription
	tags     map[string]map[string]string // by table arn
	policies map[string]*mockPolicy       // by policy arn
}

type mockPolicy struct {
	name        string
	versions    []iamtypes.PolicyVersion
	nextVersion int
}

var (
	_ ddbiface.DynamoDBControlPlane = (*MockAWS)(nil)
	_ ddbiface.IAMPolicyClient      = (*MockAWS)(nil)
	_ ddbiface.STSClient            = (*MockAWS)(nil)
)

func NewMockAWS() *MockAWS {
	return &MockAWS{
		Region:   "us-east-1",
		Account:  "123456789012",
		failures: make(map[string]error),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		tables:   make(map[string]*ddbtypes.TableDescription),
		tags:     make(map[string]map[string]string),
		policies: make(map[string]*mockPolicy),
	}
}

// Clients returns the mock as every client the applier needs.
func (m *MockAWS) Clients() Clients {
	return Clients{DynamoDB: m, IAM: m, STS: m}
}

// FailOn makes every later call of the operation return err.
func (m *MockAWS) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Calls returns the operations invoked so far, in order.
func (m *MockAWS) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Table returns the stored description of a table.
func (m *MockAWS) Table(name string) (*ddbtypes.TableDescription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	return t, ok
}

// PutTable stores a table description as is, to simulate pre-existing tables.
func (m *MockAWS) PutTable(desc *ddbtypes.TableDescription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := aws.ToString(desc.TableName)
	if desc.TableArn == nil {
		desc.TableArn = aws.String(m.tableARN(name))
	}
	m.tables[name] = desc
}

// TableTags returns the tags of a table by ARN.
func (m *MockAWS) TableTags(tableARN string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.tags[tableARN])
}

// PolicyDocument returns the decoded default document of a policy.
func (m *MockAWS) PolicyDocument(policyARN string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[policyARN]
	if !ok {
		return "", false
	}
	for _, v := range p.versions {
		if v.IsDefaultVersion {
			doc, _ := url.QueryUnescape(aws.ToString(v.Document))
			return doc, true
		}
	}
	return "", false
}

// PolicyVersionCount returns how many versions a policy has.
func (m *MockAWS) PolicyVersionCount(policyARN string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[policyARN]; ok {
		return len(p.versions)
	}
	return 0
}

func (m *MockAWS) record(op string) error {
	m.calls = append(m.calls, op)
	return m.failures[op]
}

func (m *MockAWS) tick() *time.Time {
	m.clock = m.clock.Add(time.Minute)
	t := m.clock
	return &t
}

func (m *MockAWS) tableARN(name string) string {
	return fmt.Sprintf("arn:aws:dynamodb:%s:%s:table/%s", m.Region, m.Account, name)
}

func (m *MockAWS) policyARN(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:policy/%s", m.Account, name)
}

func tableNotFound(name string) error {
	return &ddbtypes.ResourceNotFoundException{Message: aws.String("Requested resource not found: Table: " + name + " not found")}
}

func noSuchPolicy(policyARN string) error {
	return &iamtypes.NoSuchEntityException{Message: aws.String("Policy " + policyARN + " was not found.")}
}

func (m *MockAWS) tableByARN(tableARN string) bool {
	for _, t := range m.tables {
		if aws.ToString(t.TableArn) == tableARN {
			return true
		}
	}
	return false
}

// =============================================================================
// DynamoDB
// =============================================================================

func (m *MockAWS) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	if _, exists := m.tables[name]; exists {
		return nil, &ddbtypes.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}
	desc := &ddbtypes.TableDescription{
		TableName:            params.TableName,
		TableArn:             aws.String(m.tableARN(name)),
		TableStatus:          m.createStatus(),
		KeySchema:            params.KeySchema,
		AttributeDefinitions: params.AttributeDefinitions,
		BillingModeSummary:   &ddbtypes.BillingModeSummary{BillingMode: params.BillingMode},
		CreationDateTime:     m.tick(),
	}
	for _, g := range params.GlobalSecondaryIndexes {
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, ddbtypes.GlobalSecondaryIndexDescription{
			IndexName:   g.IndexName,
			KeySchema:   g.KeySchema,
			Projection:  g.Projection,
			IndexStatus: ddbtypes.IndexStatusActive,
		})
	}
	m.tables[name] = desc
	if len(params.Tags) > 0 {
		tags := make(map[string]string, len(params.Tags))
		for _, t := range params.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		m.tags[aws.ToString(desc.TableArn)] = tags
	}
	return &dynamodb.CreateTableOutput{TableDescription: desc}, nil
}

func (m *MockAWS) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DescribeTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	t, ok := m.tables[name]
	if !ok {
		return nil, tableNotFound(name)
	}
	described := *t
	switch t.TableStatus {
	case ddbtypes.TableStatusCreating, ddbtypes.TableStatusUpdating:
		t.TableStatus = ddbtypes.TableStatusActive
	case ddbtypes.TableStatusDeleting:
		delete(m.tables, name)
		delete(m.tags, aws.ToString(t.TableArn))
	}
	return &dynamodb.DescribeTableOutput{Table: &described}, nil
}

func (m *MockAWS) createStatus() ddbtypes.TableStatus {
	if m.CreateStatus == "" {
		return ddbtypes.TableStatusActive
	}
	return m.CreateStatus
}

// page returns the bounds of the page starting at token and the token of the
// next page, empty on the last one.
func (m *MockAWS) page(token *string, total int) (start, end int, next string) {
	if token != nil {
		start, _ = strconv.Atoi(*token)
	}
	end = total
	if m.PageSize > 0 && start+m.PageSize < total {
		end = start + m.PageSize
		next = strconv.Itoa(end)
	}
	return start, end, next
}

func (m *MockAWS) UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UpdateTable"); err != nil {
		return nil, err
	}
	t, ok := m.tables[aws.ToString(params.TableName)]
	if !ok {
		return nil, tableNotFound(aws.ToString(params.TableName))
	}
	if params.BillingMode != "" {
		t.BillingModeSummary = &ddbtypes.BillingModeSummary{BillingMode: params.BillingMode}
		t.ProvisionedThroughput = nil
	}
	return &dynamodb.UpdateTableOutput{TableDescription: t}, nil
}

func (m *MockAWS) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteTable"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.TableName)
	t, ok := m.tables[name]
	if !ok {
		return nil, tableNotFound(name)
	}
	delete(m.tables, name)
	delete(m.tags, aws.ToString(t.TableArn))
	return &dynamodb.DeleteTableOutput{TableDescription: t}, nil
}

func (m *MockAWS) TagResource(ctx context.Context, params *dynamodb.TagResourceInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TagResourceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("TagResource"); err != nil {
		return nil, err
	}
	tableARN := aws.ToString(params.ResourceArn)
	if !m.tableByARN(tableARN) {
		return nil, tableNotFound(tableARN)
	}
	if m.tags[tableARN] == nil {
		m.tags[tableARN] = make(map[string]string)
	}
	for _, t := range params.Tags {
		m.tags[tableARN][aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return &dynamodb.TagResourceOutput{}, nil
}

func (m *MockAWS) UntagResource(ctx context.Context, params *dynamodb.UntagResourceInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UntagResourceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UntagResource"); err != nil {
		return nil, err
	}
	tableARN := aws.ToString(params.ResourceArn)
	if !m.tableByARN(tableARN) {
		return nil, tableNotFound(tableARN)
	}
	for _, k := range params.TagKeys {
		delete(m.tags[tableARN], k)
	}
	return &dynamodb.UntagResourceOutput{}, nil
}

func (m *MockAWS) ListTagsOfResource(ctx context.Context, params *dynamodb.ListTagsOfResourceInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTagsOfResourceOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListTagsOfResource"); err != nil {
		return nil, err
	}
	tableARN := aws.ToString(params.ResourceArn)
	if !m.tableByARN(tableARN) {
		return nil, tableNotFound(tableARN)
	}
	out := &dynamodb.ListTagsOfResourceOutput{}
	tags := m.tags[tableARN]
	keys := slices.Sorted(maps.Keys(tags))
	start, end, next := m.page(params.NextToken, len(keys))
	for _, k := range keys[start:end] {
		out.Tags = append(out.Tags, ddbtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	if next != "" {
		out.NextToken = aws.String(next)
	}
	return out, nil
}

// =============================================================================
// IAM
// =============================================================================

func (m *MockAWS) CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreatePolicy"); err != nil {
		return nil, err
	}
	name := aws.ToString(params.PolicyName)
	policyARN := m.policyARN(name)
	if _, exists := m.policies[policyARN]; exists {
		return nil, &iamtypes.EntityAlreadyExistsException{Message: aws.String("A policy called " + name + " already exists.")}
	}
	p := &mockPolicy{name: name}
	p.addVersion(aws.ToString(params.PolicyDocument), true, m.tick())
	m.policies[policyARN] = p
	return &iam.CreatePolicyOutput{Policy: p.describe(policyARN)}, nil
}

func (m *MockAWS) GetPolicy(ctx context.Context, params *iam.GetPolicyInput, optFns ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetPolicy"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	return &iam.GetPolicyOutput{Policy: p.describe(policyARN)}, nil
}

func (m *MockAWS) GetPolicyVersion(ctx context.Context, params *iam.GetPolicyVersionInput, optFns ...func(*iam.Options)) (*iam.GetPolicyVersionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetPolicyVersion"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	for _, v := range p.versions {
		if aws.ToString(v.VersionId) == aws.ToString(params.VersionId) {
			v := v
			return &iam.GetPolicyVersionOutput{PolicyVersion: &v}, nil
		}
	}
	return nil, &iamtypes.NoSuchEntityException{Message: aws.String("version not found")}
}

func (m *MockAWS) CreatePolicyVersion(ctx context.Context, params *iam.CreatePolicyVersionInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyVersionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreatePolicyVersion"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	if len(p.versions) >= maxPolicyVersions {
		return nil, &iamtypes.LimitExceededException{Message: aws.String("A managed policy can have up to 5 versions.")}
	}
	v := p.addVersion(aws.ToString(params.PolicyDocument), params.SetAsDefault, m.tick())
	return &iam.CreatePolicyVersionOutput{PolicyVersion: &v}, nil
}

func (m *MockAWS) ListPolicyVersions(ctx context.Context, params *iam.ListPolicyVersionsInput, optFns ...func(*iam.Options)) (*iam.ListPolicyVersionsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("ListPolicyVersions"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	out := &iam.ListPolicyVersionsOutput{}
	start, end, next := m.page(params.Marker, len(p.versions))
	for _, v := range p.versions[start:end] {
		v.Document = nil
		out.Versions = append(out.Versions, v)
	}
	if next != "" {
		out.IsTruncated = true
		out.Marker = aws.String(next)
	}
	return out, nil
}

func (m *MockAWS) DeletePolicyVersion(ctx context.Context, params *iam.DeletePolicyVersionInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyVersionOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeletePolicyVersion"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	for i, v := range p.versions {
		if aws.ToString(v.VersionId) != aws.ToString(params.VersionId) {
			continue
		}
		if v.IsDefaultVersion {
			return nil, &iamtypes.DeleteConflictException{Message: aws.String("Cannot delete the default version of a policy.")}
		}
		p.versions = slices.Delete(p.versions, i, i+1)
		return &iam.DeletePolicyVersionOutput{}, nil
	}
	return nil, &iamtypes.NoSuchEntityException{Message: aws.String("version not found")}
}

func (m *MockAWS) DeletePolicy(ctx context.Context, params *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeletePolicy"); err != nil {
		return nil, err
	}
	policyARN := aws.ToString(params.PolicyArn)
	p, ok := m.policies[policyARN]
	if !ok {
		return nil, noSuchPolicy(policyARN)
	}
	if len(p.versions) > 1 {
		return nil, &iamtypes.DeleteConflictException{Message: aws.String("This policy has more than one version.")}
	}
	delete(m.policies, policyARN)
	return &iam.DeletePolicyOutput{}, nil
}

func (p *mockPolicy) addVersion(doc string, setDefault bool, created *time.Time) iamtypes.PolicyVersion {
	p.nextVersion++
	if setDefault {
		for i := range p.versions {
			p.versions[i].IsDefaultVersion = false
		}
	}
	v := iamtypes.PolicyVersion{
		VersionId:        aws.String(fmt.Sprintf("v%d", p.nextVersion)),
		Document:         aws.String(url.QueryEscape(doc)),
		IsDefaultVersion: setDefault,
		CreateDate:       created,
	}
	p.versions = append(p.versions, v)
	return v
}

func (p *mockPolicy) describe(policyARN string) *iamtypes.Policy {
	out := &iamtypes.Policy{
		Arn:        aws.String(policyARN),
		PolicyName: aws.String(p.name),
	}
	for _, v := range p.versions {
		if v.IsDefaultVersion {
			out.DefaultVersionId = v.VersionId
		}
	}
	return out
}

// =============================================================================
// STS
// =============================================================================

func (m *MockAWS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetCallerIdentity"); err != nil {
		return nil, err
	}
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(m.Account),
		Arn:     aws.String(fmt.Sprintf("arn:aws:iam::%s:user/ddb", m.Account)),
		UserId:  aws.String("AIDAMOCKUSER"),
	}, nil
}
