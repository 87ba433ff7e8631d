package define

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/google/uuid"
)

func TestParse(t *testing.T) {
	def, err := Parse([]byte(`{"name":"web1","memory":"512MiB","vcpus":2}`))
	require.NoError(t, err)

	assert.Equal(t, "web1", def.Name)
	assert.Equal(t, int64(512*1024*1024), int64(def.Memory))
	assert.Equal(t, 2, def.VCPUs)
	assert.NotEqual(t, uuid.Nil, def.UUID, "UUID should be generated when absent")
}

func TestParse_NumericMemory(t *testing.T) {
	def, err := Parse([]byte(`{"name":"web1","memory":1073741824,"vcpus":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1073741824), int64(def.Memory))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing name", `{"memory":"1GiB","vcpus":1}`},
		{"zero vcpus", `{"name":"a","memory":"1GiB","vcpus":0}`},
		{"tiny memory", `{"name":"a","memory":1024,"vcpus":1}`},
		{"bad memory string", `{"name":"a","memory":"lots","vcpus":1}`},
		{"diskless disk", `{"name":"a","memory":"1GiB","vcpus":1,"disks":[{}]}`},
		{"bad disk format", `{"name":"a","memory":"1GiB","vcpus":1,"disks":[{"path":"/x","format":"vmdk"}]}`},
		{"not json", `{nope}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.text))
			assert.Error(t, err)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	def, err := Parse([]byte(`{"name":"web1","memory":"1GiB","vcpus":4,"disks":[{"path":"/var/lib/img.raw"}]}`))
	require.NoError(t, err)

	data, err := Format(def, FormatFlags{Indent: true})
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, def.UUID, again.UUID)
	assert.Equal(t, def.Memory, again.Memory)
	assert.Len(t, again.Disks, 1)
}

func TestCopy(t *testing.T) {
	def, err := Parse([]byte(`{"name":"web1","memory":"1GiB","vcpus":1,"disks":[{"path":"/a"}]}`))
	require.NoError(t, err)

	cp := def.Copy()
	cp.Disks[0].Path = "/b"
	assert.Equal(t, "/a", def.Disks[0].Path)
}
