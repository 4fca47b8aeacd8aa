package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	DriverJSON     = "json"
	DriverPostgres = "postgres"
	DriverDynamo   = "dynamodb"
)

// Backend selects and configures one of the repository implementations.
type Backend struct {
	Driver      string
	JSONPath    string
	PostgresDSN string
	Dynamo      DynamoConfig
}

// Open constructs the repository named by backend.Driver.
func Open(ctx context.Context, backend Backend, opts ...Option) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(backend.Driver)) {
	case "", DriverJSON:
		if strings.TrimSpace(backend.JSONPath) == "" {
			return nil, fmt.Errorf("json store path required")
		}
		return NewJSONRepository(backend.JSONPath, opts...)
	case DriverPostgres, "postgresql":
		return NewPostgresRepository(ctx, backend.PostgresDSN, opts...)
	case DriverDynamo, "dynamo":
		return NewDynamoRepository(ctx, backend.Dynamo, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", backend.Driver)
	}
}
