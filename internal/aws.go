package internal

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
)

// NewSession builds an AWS session for the pipeline's service clients.
// Region and profile override the environment defaults when non-empty.
func NewSession(region, profile string) (*session.Session, error) {
	config := &aws.Config{
		// retry on ephemeral AWS errors
		Retryer: client.DefaultRetryer{NumMaxRetries: 10},
	}
	if len(profile) > 0 {
		config.Credentials = credentials.NewSharedCredentials("", profile)
	}
	if len(region) > 0 {
		config.Region = aws.String(region)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return sess, nil
}
