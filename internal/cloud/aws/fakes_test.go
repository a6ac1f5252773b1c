package aws

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigateway/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/route53"
)

type fakeACM struct {
	mu       sync.Mutex
	requests []*acm.RequestCertificateInput
	describe *acm.DescribeCertificateOutput
	deleted  []string
	err      error
}

func (f *fakeACM) RequestCertificate(_ context.Context, in *acm.RequestCertificateInput, _ ...func(*acm.Options)) (*acm.RequestCertificateOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	if f.err != nil {
		return nil, f.err
	}
	arn := "arn:aws:acm:us-east-2:123:certificate/" + *in.IdempotencyToken
	return &acm.RequestCertificateOutput{CertificateArn: &arn}, nil
}

func (f *fakeACM) DescribeCertificate(_ context.Context, _ *acm.DescribeCertificateInput, _ ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describe, nil
}

func (f *fakeACM) DeleteCertificate(_ context.Context, in *acm.DeleteCertificateInput, _ ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, *in.CertificateArn)
	return &acm.DeleteCertificateOutput{}, nil
}

type fakeRoute53 struct {
	inputs []*route53.ChangeResourceRecordSetsInput
	err    error
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

// fakeAPIGateway records API calls by name; errs makes a named call fail.
type fakeAPIGateway struct {
	calls []string
	errs  map[string]error
	// existing is returned by GetDomainName
	existing *apigateway.GetDomainNameOutput
	// resources is returned by GetResources
	resources []apigwtypes.Resource
}

func (f *fakeAPIGateway) record(name string) error {
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeAPIGateway) CreateRestApi(_ context.Context, _ *apigateway.CreateRestApiInput, _ ...func(*apigateway.Options)) (*apigateway.CreateRestApiOutput, error) {
	if err := f.record("CreateRestApi"); err != nil {
		return nil, err
	}
	id, root := "api-123", "root-456"
	return &apigateway.CreateRestApiOutput{Id: &id, RootResourceId: &root}, nil
}

func (f *fakeAPIGateway) GetResources(_ context.Context, _ *apigateway.GetResourcesInput, _ ...func(*apigateway.Options)) (*apigateway.GetResourcesOutput, error) {
	if err := f.record("GetResources"); err != nil {
		return nil, err
	}
	return &apigateway.GetResourcesOutput{Items: f.resources}, nil
}

func (f *fakeAPIGateway) CreateResource(_ context.Context, _ *apigateway.CreateResourceInput, _ ...func(*apigateway.Options)) (*apigateway.CreateResourceOutput, error) {
	if err := f.record("CreateResource"); err != nil {
		return nil, err
	}
	id := "res-ping"
	return &apigateway.CreateResourceOutput{Id: &id}, nil
}

func (f *fakeAPIGateway) PutMethod(_ context.Context, _ *apigateway.PutMethodInput, _ ...func(*apigateway.Options)) (*apigateway.PutMethodOutput, error) {
	return &apigateway.PutMethodOutput{}, f.record("PutMethod")
}

func (f *fakeAPIGateway) PutIntegration(_ context.Context, in *apigateway.PutIntegrationInput, _ ...func(*apigateway.Options)) (*apigateway.PutIntegrationOutput, error) {
	return &apigateway.PutIntegrationOutput{}, f.record("PutIntegration:" + string(in.Type))
}

func (f *fakeAPIGateway) PutMethodResponse(_ context.Context, _ *apigateway.PutMethodResponseInput, _ ...func(*apigateway.Options)) (*apigateway.PutMethodResponseOutput, error) {
	return &apigateway.PutMethodResponseOutput{}, f.record("PutMethodResponse")
}

func (f *fakeAPIGateway) PutIntegrationResponse(_ context.Context, _ *apigateway.PutIntegrationResponseInput, _ ...func(*apigateway.Options)) (*apigateway.PutIntegrationResponseOutput, error) {
	return &apigateway.PutIntegrationResponseOutput{}, f.record("PutIntegrationResponse")
}

func (f *fakeAPIGateway) CreateDeployment(_ context.Context, in *apigateway.CreateDeploymentInput, _ ...func(*apigateway.Options)) (*apigateway.CreateDeploymentOutput, error) {
	return &apigateway.CreateDeploymentOutput{}, f.record("CreateDeployment:" + *in.StageName)
}

func (f *fakeAPIGateway) CreateDomainName(_ context.Context, _ *apigateway.CreateDomainNameInput, _ ...func(*apigateway.Options)) (*apigateway.CreateDomainNameOutput, error) {
	if err := f.record("CreateDomainName"); err != nil {
		return nil, err
	}
	target, zone := "d-new.execute-api.us-east-2.amazonaws.com", "ZNEW"
	return &apigateway.CreateDomainNameOutput{RegionalDomainName: &target, RegionalHostedZoneId: &zone}, nil
}

func (f *fakeAPIGateway) GetDomainName(_ context.Context, _ *apigateway.GetDomainNameInput, _ ...func(*apigateway.Options)) (*apigateway.GetDomainNameOutput, error) {
	if err := f.record("GetDomainName"); err != nil {
		return nil, err
	}
	return f.existing, nil
}

func (f *fakeAPIGateway) CreateBasePathMapping(_ context.Context, _ *apigateway.CreateBasePathMappingInput, _ ...func(*apigateway.Options)) (*apigateway.CreateBasePathMappingOutput, error) {
	return &apigateway.CreateBasePathMappingOutput{}, f.record("CreateBasePathMapping")
}

func (f *fakeAPIGateway) DeleteDomainName(_ context.Context, _ *apigateway.DeleteDomainNameInput, _ ...func(*apigateway.Options)) (*apigateway.DeleteDomainNameOutput, error) {
	return &apigateway.DeleteDomainNameOutput{}, f.record("DeleteDomainName")
}

func (f *fakeAPIGateway) DeleteRestApi(_ context.Context, _ *apigateway.DeleteRestApiInput, _ ...func(*apigateway.Options)) (*apigateway.DeleteRestApiOutput, error) {
	return &apigateway.DeleteRestApiOutput{}, f.record("DeleteRestApi")
}

type fakeLambda struct {
	in  *lambda.InvokeInput
	out *lambda.InvokeOutput
	err error
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}
