package ddbapply

import (
	"errors"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
)

func isTableNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *ddbtypes.ResourceNotFoundException
	return errors.As(err, &notFound) || hasErrorCode(err, "ResourceNotFoundException")
}

func isNoSuchEntity(err error) bool {
	if err == nil {
		return false
	}
	var noSuch *iamtypes.NoSuchEntityException
	return errors.As(err, &noSuch) || hasErrorCode(err, "NoSuchEntity")
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
