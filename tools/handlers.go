package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/forcebridge/mcp-salesforce/connection"
	"github.com/forcebridge/mcp-salesforce/salesforce"
)

// begin counts the tool call as an in-flight operation. It returns a
// non-nil tool error once draining has started.
func (s *Service) begin() (func(), *mcp.CallToolResult) {
	done, err := s.coordinator.Begin()
	if err != nil {
		return nil, mcp.NewToolResultError("server is shutting down; the call was rejected")
	}
	return done, nil
}

// connect resolves a live connection handle for the user
func (s *Service) connect(ctx context.Context, userID string) (*connection.Handle, *mcp.CallToolResult) {
	handle, err := s.factory.ForUser(ctx, userID)
	if err != nil {
		return nil, s.connectionError(err)
	}
	return handle, nil
}

// connectionError maps connection failures to tool results the assistant can
// relay to the user
func (s *Service) connectionError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, connection.ErrNoActiveConnection):
		return mcp.NewToolResultError("no active Salesforce connection for this user; complete the login flow first")
	case errors.Is(err, connection.ErrSessionExpired):
		return mcp.NewToolResultError("the Salesforce session has expired; a fresh login is required")
	case errors.Is(err, connection.ErrRefreshFailed):
		return mcp.NewToolResultError("token refresh with Salesforce failed; try again shortly")
	default:
		s.logger.Error("Tool call failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Salesforce call failed: %v", err))
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Service) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args QueryArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	var result *salesforce.QueryResult
	err := handle.Do(ctx, func(client *salesforce.Client) error {
		var err error
		result, err = client.Query(ctx, args.SOQL)
		return err
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(result)
}

func (s *Service) handleDescribeObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args DescribeArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	var desc *salesforce.ObjectDescription
	err := handle.Do(ctx, func(client *salesforce.Client) error {
		var err error
		desc, err = client.DescribeObject(ctx, args.Object)
		return err
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(desc)
}

func (s *Service) handleCreateRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args CreateRecordArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	var recordID string
	err := handle.Do(ctx, func(client *salesforce.Client) error {
		var err error
		recordID, err = client.CreateRecord(ctx, args.Object, args.Fields)
		return err
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(map[string]string{"id": recordID})
}

func (s *Service) handleUpdateRecord(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args UpdateRecordArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	err := handle.Do(ctx, func(client *salesforce.Client) error {
		return client.UpdateRecord(ctx, args.Object, args.RecordID, args.Fields)
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(map[string]string{"id": args.RecordID, "status": "updated"})
}

func (s *Service) handleReadApex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ReadApexArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	var apex *salesforce.ApexClass
	err := handle.Do(ctx, func(client *salesforce.Client) error {
		var err error
		apex, err = client.GetApexClass(ctx, args.Name)
		return err
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(apex)
}

func (s *Service) handleWriteApex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args WriteApexArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if err := args.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	done, rejected := s.begin()
	if rejected != nil {
		return rejected, nil
	}
	defer done()

	handle, toolErr := s.connect(ctx, args.UserID)
	if toolErr != nil {
		return toolErr, nil
	}

	var id string
	err := handle.Do(ctx, func(client *salesforce.Client) error {
		var err error
		id, err = client.SaveApexClass(ctx, args.Name, args.Body)
		return err
	})
	if err != nil {
		return s.connectionError(err), nil
	}
	return jsonResult(map[string]string{"id": id, "name": args.Name})
}
