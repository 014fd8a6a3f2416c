package billingv1

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodec_RejectsUnknownFields(t *testing.T) {
	// field 9 does not exist on CreateAccountRequest
	payload, err := cbor.Marshal(map[int]any{1: 1, 3: "p-1", 9: "surprise"})
	require.NoError(t, err)

	var req CreateAccountRequest
	err = Codec{}.Unmarshal(payload, &req)
	assert.Error(t, err)
}

func TestCodec_RejectsWrongFieldType(t *testing.T) {
	payload, err := cbor.Marshal(map[int]any{1: "one"})
	require.NoError(t, err)

	var req CreateAccountRequest
	assert.Error(t, Codec{}.Unmarshal(payload, &req))
}

func TestCodec_Deterministic(t *testing.T) {
	req := &CreateAccountRequest{
		SchemaVersion: SchemaVersion,
		PatientID:     "p-1",
		Attributes:    AccountAttributes{HolderName: "Ada", DateOfBirth: "1990-01-02", Plan: "standard"},
	}
	a, err := Codec{}.Marshal(req)
	require.NoError(t, err)
	b, err := Codec{}.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var got CreateAccountRequest
	require.NoError(t, Codec{}.Unmarshal(a, &got))
	assert.Equal(t, *req, got)
}

func TestCreateAccountRequest_Validate(t *testing.T) {
	req := CreateAccountRequest{PatientID: "p-1", Attributes: AccountAttributes{HolderName: "Ada", Plan: "standard"}}
	assert.NoError(t, req.Validate())

	req.Attributes.Plan = " "
	assert.Error(t, req.Validate())
}
