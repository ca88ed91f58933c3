// Package validation checks inbound requests and resource models.
//
// ValidateRequest enforces the structure of a request before anything else
// runs. Resource models are checked by Validators: SchemaValidator compiles a
// JSON Schema through CUE, PolicyValidator evaluates Rego deny rules, and Chain
// merges several of them. Model failures are returned as *Error, whose
// violations are addressed by JSON pointers such as "#/tags/0".
//
//	v, err := validation.NewSchemaValidator(schemaJSON)
//	if err != nil {
//	    return err
//	}
//	if err := v.Validate(ctx, model); err != nil {
//	    var verr *validation.Error
//	    if errors.As(err, &verr) {
//	        fmt.Println(validation.FormatMessage(verr))
//	    }
//	}
//
// FileSchemaSource and WatchPolicies reload schemas and policies from disk
// when they change.
package validation
