package v1

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/server/auth"
	apierrors "github.com/hrygo/synthr/server/internal/errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodySize     = 1 << 20
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON name.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			name = strings.SplitN(field.Tag.Get("query"), ",", 2)[0]
		}
		return name
	})
	v.RegisterValidation("eth_addr_any", func(fl validator.FieldLevel) bool {
		return auth.IsValidAddress(fl.Field().String())
	})
	v.RegisterValidation("decimal_positive", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	v.RegisterValidation("decimal_nonnegative", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	return v
}

// bindJSON decodes the request body into dst, rejecting unknown fields, and
// validates it.
func (s *APIV1Service) bindJSON(c echo.Context, dst any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return apierrors.InvalidArgument("request body is required")
		}
		return apierrors.InvalidArgument(fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return apierrors.InvalidArgument("request body must hold a single JSON object")
	}
	return s.check(dst)
}

// bindQuery binds query parameters into dst and validates it.
func (s *APIV1Service) bindQuery(c echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, dst); err != nil {
		return apierrors.InvalidArgument(fmt.Sprintf("invalid query: %v", err))
	}
	return s.check(dst)
}

func (s *APIV1Service) check(dst any) error {
	err := s.validate.Struct(dst)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apierrors.InvalidArgument(err.Error())
	}
	apiErr := apierrors.InvalidArgument("request validation failed")
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		apiErr.WithDetail(fe.Field(), rule)
	}
	return apiErr
}

// Page is the common offset pagination of list endpoints.
type Page struct {
	Offset int `query:"offset" validate:"gte=0"`
	Limit  int `query:"limit" validate:"gte=0,lte=100"`
}

func (p Page) limit() int {
	if p.Limit == 0 {
		return defaultPageSize
	}
	return min(p.Limit, maxPageSize)
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func newList[T any](items []T, page Page) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Offset: page.Offset, Limit: page.limit()}
}

func pathID(c echo.Context, name string) (int32, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 32)
	if err != nil || id <= 0 {
		return 0, apierrors.InvalidArgument(fmt.Sprintf("invalid %s %q", name, c.Param(name)))
	}
	return int32(id), nil
}

func currentUserID(c echo.Context) int32 {
	return auth.GetUserID(c.Request().Context())
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, apierrors.InvalidArgument(fmt.Sprintf("invalid %s %q", field, value)).WithDetail(field, "decimal")
	}
	return d, nil
}
