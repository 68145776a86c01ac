package s3fs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/aws/smithy-go"
	"github.com/jeffh/vfspreload/ninep"
)

var (
	ErrBucketsAreDirectories = errors.New("buckets can only be listed, not opened")
	ErrObjectTooLarge        = errors.New("object is larger than the write buffer allows")
)

func isNotFound(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func isInvalidRange(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "InvalidRange"
}

// Maps S3 error codes onto the errors the 9P server preserves over the wire.
func mapAwsErrToNinep(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "AccessDenied", "AllAccessDisabled", "Forbidden":
			return fmt.Errorf("%w: %s", ninep.ErrInvalidAccess, ae.ErrorMessage())
		case "BucketAlreadyExists":
			return fmt.Errorf("%w: %s", fs.ErrExist, ae.ErrorMessage())
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s", fs.ErrNotExist, ae.ErrorCode())
		}
	}
	return err
}
