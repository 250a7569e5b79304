// Package proto defines the control-plane wire contract. Messages travel
// as google.protobuf.Struct values so the service needs no generated code.
package proto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type SignUpRequest struct {
	Email string `json:"email"`
}

type SignUpResponse struct {
	AccountID    string `json:"account_id"`
	APIKey       string `json:"api_key"`
	ClusterLimit int    `json:"cluster_limit"`
}

type QuotaRequest struct {
	AccountID string `json:"account_id"`
	Verb      string `json:"verb,omitempty"`
	Cluster   string `json:"cluster,omitempty"`
}

type QuotaResponse struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// ClusterRequest addresses one cluster. Token is required on every
// mutating call and ignored by DescribeCluster.
type ClusterRequest struct {
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
	Nodes  int    `json:"nodes,omitempty"`
	Token  string `json:"token,omitempty"`
}

type ClusterResponse struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Region    string `json:"region,omitempty"`
	Nodes     int    `json:"nodes,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
}

// Encode converts a message into its Struct wire form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a Struct received over the wire.
func Decode(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
