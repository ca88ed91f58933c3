package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/handlerkit/pkg/proxy"
)

// ErrInvalidRequest marks structural request failures. These are
// configuration errors on the caller side, not model validation failures.
var ErrInvalidRequest = errors.New("invalid request")

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateRequest checks the structure of an inbound request: the callback
// endpoint, request data and platform credentials must be present, and
// mutating actions must carry resource properties.
func ValidateRequest(req *proxy.HandlerRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is empty", ErrInvalidRequest)
	}

	if err := structValidator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), "HandlerRequest."), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid fields: %s", ErrInvalidRequest, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := req.Action.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.Action.IsMutating() && isEmptyModel(req.RequestData.ResourceProperties) {
		return fmt.Errorf("%w: resourceProperties is required for %s", ErrInvalidRequest, req.Action)
	}
	return nil
}

func isEmptyModel(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
