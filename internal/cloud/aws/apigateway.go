package aws

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	apigwtypes "github.com/aws/aws-sdk-go-v2/service/apigateway/types"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/db/models"
)

type apiGatewayAPI interface {
	CreateRestApi(ctx context.Context, in *apigateway.CreateRestApiInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateRestApiOutput, error)
	GetResources(ctx context.Context, in *apigateway.GetResourcesInput, optFns ...func(*apigateway.Options)) (*apigateway.GetResourcesOutput, error)
	CreateResource(ctx context.Context, in *apigateway.CreateResourceInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateResourceOutput, error)
	PutMethod(ctx context.Context, in *apigateway.PutMethodInput, optFns ...func(*apigateway.Options)) (*apigateway.PutMethodOutput, error)
	PutIntegration(ctx context.Context, in *apigateway.PutIntegrationInput, optFns ...func(*apigateway.Options)) (*apigateway.PutIntegrationOutput, error)
	PutMethodResponse(ctx context.Context, in *apigateway.PutMethodResponseInput, optFns ...func(*apigateway.Options)) (*apigateway.PutMethodResponseOutput, error)
	PutIntegrationResponse(ctx context.Context, in *apigateway.PutIntegrationResponseInput, optFns ...func(*apigateway.Options)) (*apigateway.PutIntegrationResponseOutput, error)
	CreateDeployment(ctx context.Context, in *apigateway.CreateDeploymentInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateDeploymentOutput, error)
	CreateDomainName(ctx context.Context, in *apigateway.CreateDomainNameInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateDomainNameOutput, error)
	GetDomainName(ctx context.Context, in *apigateway.GetDomainNameInput, optFns ...func(*apigateway.Options)) (*apigateway.GetDomainNameOutput, error)
	CreateBasePathMapping(ctx context.Context, in *apigateway.CreateBasePathMappingInput, optFns ...func(*apigateway.Options)) (*apigateway.CreateBasePathMappingOutput, error)
	DeleteDomainName(ctx context.Context, in *apigateway.DeleteDomainNameInput, optFns ...func(*apigateway.Options)) (*apigateway.DeleteDomainNameOutput, error)
	DeleteRestApi(ctx context.Context, in *apigateway.DeleteRestApiInput, optFns ...func(*apigateway.Options)) (*apigateway.DeleteRestApiOutput, error)
}

// EndpointProvider creates regional API Gateway endpoints for tenants
type EndpointProvider struct {
	client    apiGatewayAPI
	stageName string
}

// NewEndpointProvider creates an EndpointProvider deploying to stageName
func NewEndpointProvider(cfg awssdk.Config, stageName string) *EndpointProvider {
	if stageName == "" {
		stageName = "prod"
	}
	return &EndpointProvider{client: apigateway.NewFromConfig(cfg), stageName: stageName}
}

const pingPath = "/ping"

// CreateEndpoint creates a regional REST API named name and deploys it. When
// the API was created but deploying it failed, its ids are returned with the
// error so the caller can record it and finish with DeployEndpoint.
func (p *EndpointProvider) CreateEndpoint(ctx context.Context, name string) (endpointID, rootResourceID string, err error) {
	api, err := p.client.CreateRestApi(ctx, &apigateway.CreateRestApiInput{
		Name:        awssdk.String(name),
		Description: awssdk.String("neurodeploy endpoint for " + name),
		EndpointConfiguration: &apigwtypes.EndpointConfiguration{
			Types: []apigwtypes.EndpointType{apigwtypes.EndpointTypeRegional},
		},
	})
	if err != nil {
		return "", "", classify(err, "failed to create endpoint")
	}
	endpointID = awssdk.ToString(api.Id)
	rootResourceID = awssdk.ToString(api.RootResourceId)
	return endpointID, rootResourceID, p.DeployEndpoint(ctx, endpointID, rootResourceID)
}

// DeployEndpoint adds the mocked GET /ping health route to an existing API
// and deploys it to the configured stage. Parts already present are reused,
// so it can be repeated after a partial failure.
func (p *EndpointProvider) DeployEndpoint(ctx context.Context, endpointID, rootResourceID string) error {
	if err := p.addPingRoute(ctx, endpointID, rootResourceID); err != nil {
		return err
	}
	_, err := p.client.CreateDeployment(ctx, &apigateway.CreateDeploymentInput{
		RestApiId: awssdk.String(endpointID),
		StageName: awssdk.String(p.stageName),
	})
	return classify(err, "failed to deploy endpoint")
}

// pingResource creates the /ping resource or finds the one a previous
// attempt created
func (p *EndpointProvider) pingResource(ctx context.Context, apiID, rootID string) (*string, error) {
	res, err := p.client.CreateResource(ctx, &apigateway.CreateResourceInput{
		RestApiId: awssdk.String(apiID),
		ParentId:  awssdk.String(rootID),
		PathPart:  awssdk.String(pingPath[1:]),
	})
	if err == nil {
		return res.Id, nil
	}
	if !IsAlreadyExists(err) {
		return nil, classify(err, "failed to create ping resource")
	}

	existing, err := p.client.GetResources(ctx, &apigateway.GetResourcesInput{
		RestApiId: awssdk.String(apiID),
		Limit:     awssdk.Int32(500),
	})
	if err != nil {
		return nil, classify(err, "failed to list endpoint resources")
	}
	for _, item := range existing.Items {
		if awssdk.ToString(item.Path) == pingPath {
			return item.Id, nil
		}
	}
	return nil, apperr.New(apperr.KindUpstreamUnavailable, "ping resource reported as existing but not listed")
}

func (p *EndpointProvider) addPingRoute(ctx context.Context, apiID, rootID string) error {
	resourceID, err := p.pingResource(ctx, apiID, rootID)
	if err != nil {
		return err
	}

	if _, err := p.client.PutMethod(ctx, &apigateway.PutMethodInput{
		RestApiId:         awssdk.String(apiID),
		ResourceId:        resourceID,
		HttpMethod:        awssdk.String("GET"),
		AuthorizationType: awssdk.String("NONE"),
	}); err != nil && !IsAlreadyExists(err) {
		return classify(err, "failed to create ping method")
	}

	// integrations are replaced by a repeated put
	if _, err := p.client.PutIntegration(ctx, &apigateway.PutIntegrationInput{
		RestApiId:  awssdk.String(apiID),
		ResourceId: resourceID,
		HttpMethod: awssdk.String("GET"),
		Type:       apigwtypes.IntegrationTypeMock,
		RequestTemplates: map[string]string{
			"application/json": `{"statusCode": 200}`,
		},
	}); err != nil {
		return classify(err, "failed to create ping integration")
	}

	if _, err := p.client.PutMethodResponse(ctx, &apigateway.PutMethodResponseInput{
		RestApiId:  awssdk.String(apiID),
		ResourceId: resourceID,
		HttpMethod: awssdk.String("GET"),
		StatusCode: awssdk.String("200"),
	}); err != nil && !IsAlreadyExists(err) {
		return classify(err, "failed to create ping method response")
	}

	if _, err := p.client.PutIntegrationResponse(ctx, &apigateway.PutIntegrationResponseInput{
		RestApiId:  awssdk.String(apiID),
		ResourceId: resourceID,
		HttpMethod: awssdk.String("GET"),
		StatusCode: awssdk.String("200"),
		ResponseTemplates: map[string]string{
			"application/json": `{"status": "ok"}`,
		},
	}); err != nil {
		return classify(err, "failed to create ping integration response")
	}
	return nil
}

// BindDomain attaches domain to the endpoint's stage using certID. An
// existing binding for the domain is read back and reused.
func (p *EndpointProvider) BindDomain(ctx context.Context, endpointID, domain, certID string) (*models.DomainBinding, error) {
	binding, err := p.createDomain(ctx, domain, certID)
	if err != nil {
		return nil, err
	}

	_, err = p.client.CreateBasePathMapping(ctx, &apigateway.CreateBasePathMappingInput{
		DomainName: awssdk.String(domain),
		RestApiId:  awssdk.String(endpointID),
		Stage:      awssdk.String(p.stageName),
	})
	if err != nil && !IsAlreadyExists(err) {
		return nil, classify(err, "failed to map custom domain")
	}
	return binding, nil
}

func (p *EndpointProvider) createDomain(ctx context.Context, domain, certID string) (*models.DomainBinding, error) {
	var target, zoneID *string

	out, err := p.client.CreateDomainName(ctx, &apigateway.CreateDomainNameInput{
		DomainName:             awssdk.String(domain),
		RegionalCertificateArn: awssdk.String(certID),
		SecurityPolicy:         apigwtypes.SecurityPolicyTls12,
		EndpointConfiguration: &apigwtypes.EndpointConfiguration{
			Types: []apigwtypes.EndpointType{apigwtypes.EndpointTypeRegional},
		},
	})
	switch {
	case err == nil:
		target, zoneID = out.RegionalDomainName, out.RegionalHostedZoneId
	case IsAlreadyExists(err):
		existing, getErr := p.client.GetDomainName(ctx, &apigateway.GetDomainNameInput{
			DomainName: awssdk.String(domain),
		})
		if getErr != nil {
			return nil, classify(getErr, "failed to read existing custom domain")
		}
		target, zoneID = existing.RegionalDomainName, existing.RegionalHostedZoneId
	default:
		return nil, classify(err, "failed to create custom domain")
	}

	if target == nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "custom domain has no regional target")
	}
	return &models.DomainBinding{
		DomainName:         domain,
		TargetDomainName:   awssdk.ToString(target),
		TargetHostedZoneID: awssdk.ToString(zoneID),
	}, nil
}

// DeleteDomain removes a custom domain and its mappings
func (p *EndpointProvider) DeleteDomain(ctx context.Context, domain string) error {
	_, err := p.client.DeleteDomainName(ctx, &apigateway.DeleteDomainNameInput{
		DomainName: awssdk.String(domain),
	})
	return classify(err, "failed to delete custom domain "+domain)
}

// DeleteEndpoint removes a REST API
func (p *EndpointProvider) DeleteEndpoint(ctx context.Context, endpointID string) error {
	_, err := p.client.DeleteRestApi(ctx, &apigateway.DeleteRestApiInput{
		RestApiId: awssdk.String(endpointID),
	})
	return classify(err, "failed to delete endpoint "+endpointID)
}
