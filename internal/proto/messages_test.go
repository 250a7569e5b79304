package proto

import "testing"

func TestEncodeDecode(t *testing.T) {
	in := &ClusterRequest{Name: "demo-1", Region: "eu", Nodes: 5, Token: "tok"}
	s, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := s.Fields["nodes"].GetNumberValue(); got != 5 {
		t.Fatalf("expected nodes as a number field, got %v", got)
	}
	var out ClusterRequest
	if err := Decode(s, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != *in {
		t.Fatalf("expected %+v, got %+v", *in, out)
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	s, err := Encode(&ClusterRequest{Name: "demo-1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := s.Fields["token"]; ok {
		t.Fatal("expected empty token to be omitted")
	}
}
