package sthree

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/javanhut/settingsync/internal/transport"
)

// ErrStorageAPI wraps S3 failures that have no transport-level meaning.
var ErrStorageAPI = errors.New("storage API error")

func apiErrors(err awserr.RequestFailure) error {
	switch err.StatusCode() {
	case 404:
		switch err.Code() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", transport.ErrNotFound, err)
		default:
			// NoSuchBucket and friends are configuration problems
			return fmt.Errorf("%w: %w", ErrStorageAPI, err)
		}
	case 412:
		return fmt.Errorf("%w: %w", transport.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrStorageAPI, err)
	}
}

// toSentinelErrors maps AWS request failures to transport sentinels.
func toSentinelErrors(err error) error {
	if err == nil {
		return nil
	}
	var awsErr awserr.RequestFailure
	if errors.As(err, &awsErr) {
		return apiErrors(awsErr)
	}
	return err
}
