package tools

import "fmt"

// Each tool's arguments are a distinct struct bound and validated once at
// the protocol boundary; handlers receive already-checked values.

// QueryArgs are the arguments for the salesforce_query tool
type QueryArgs struct {
	UserID string `json:"user_id"`
	SOQL   string `json:"soql"`
}

func (a *QueryArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.SOQL == "" {
		return fmt.Errorf("soql is required")
	}
	return nil
}

// DescribeArgs are the arguments for the salesforce_describe_object tool
type DescribeArgs struct {
	UserID string `json:"user_id"`
	Object string `json:"object"`
}

func (a *DescribeArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Object == "" {
		return fmt.Errorf("object is required")
	}
	return nil
}

// CreateRecordArgs are the arguments for the salesforce_create_record tool
type CreateRecordArgs struct {
	UserID string         `json:"user_id"`
	Object string         `json:"object"`
	Fields map[string]any `json:"fields"`
}

func (a *CreateRecordArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Object == "" {
		return fmt.Errorf("object is required")
	}
	if len(a.Fields) == 0 {
		return fmt.Errorf("fields must not be empty")
	}
	return nil
}

// UpdateRecordArgs are the arguments for the salesforce_update_record tool
type UpdateRecordArgs struct {
	UserID   string         `json:"user_id"`
	Object   string         `json:"object"`
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

func (a *UpdateRecordArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Object == "" {
		return fmt.Errorf("object is required")
	}
	if a.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if len(a.Fields) == 0 {
		return fmt.Errorf("fields must not be empty")
	}
	return nil
}

// ReadApexArgs are the arguments for the salesforce_read_apex tool
type ReadApexArgs struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (a *ReadApexArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// WriteApexArgs are the arguments for the salesforce_write_apex tool
type WriteApexArgs struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Body   string `json:"body"`
}

func (a *WriteApexArgs) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if a.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}
