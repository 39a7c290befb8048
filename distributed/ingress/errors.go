package ingress

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentteam/distributed/placement"
	"github.com/BaSui01/agentteam/types"
)

// TeamCommandIngressError API 层可见的类型化错误
type TeamCommandIngressError struct {
	Code    types.ErrorCode
	TeamID  string
	Message string
	Cause   error
}

func (e *TeamCommandIngressError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] team %s: %s: %v", e.Code, e.TeamID, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] team %s: %s", e.Code, e.TeamID, e.Message)
}

func (e *TeamCommandIngressError) Unwrap() error { return e.Cause }

// HTTPStatus 错误码对应的 HTTP 状态
func (e *TeamCommandIngressError) HTTPStatus() int {
	switch e.Code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrRunNotFound, types.ErrTeamDefinitionNotFound, types.ErrTeamMemberNotFound:
		return http.StatusNotFound
	case types.ErrStaleApprovalToken, types.ErrRunAutoStopped, types.ErrInvocationVersionUnknown:
		return http.StatusConflict
	case types.ErrPlacementViolation, types.ErrCoordinatorMemberUndefined:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// AsIngressError 提取 TeamCommandIngressError
func AsIngressError(err error) (*TeamCommandIngressError, bool) {
	var ie *TeamCommandIngressError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

func newError(code types.ErrorCode, teamID, msg string, cause error) *TeamCommandIngressError {
	return &TeamCommandIngressError{Code: code, TeamID: teamID, Message: msg, Cause: cause}
}

// wrap 将下层错误转换为 ingress 错误；已知错误码保留，其余归为 TEAM_DISPATCH_UNAVAILABLE
func wrap(teamID, msg string, err error) *TeamCommandIngressError {
	if ie, ok := AsIngressError(err); ok {
		return ie
	}
	var ce *placement.ConstraintError
	if errors.As(err, &ce) {
		return newError(types.ErrPlacementViolation, teamID, msg, err)
	}
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrTeamDispatchUnavailable
	}
	return newError(code, teamID, msg, err)
}
