// pkg/awsx/awsx.go
package awsx

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"shardgate/pkg/config"
)

// MustLoad resolves the ambient AWS configuration (the service's broad
// identity) once at startup. The returned config is only ever used to talk
// to the trust exchange; tenant data operations use per-request scoped
// credentials instead.
func MustLoad(cfg config.Config, log *zap.SugaredLogger) aws.Config {
	ac, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		log.Fatalw("aws config", "err", err)
	}
	log.Infow("aws config ready", "region", cfg.Region)
	return ac
}
