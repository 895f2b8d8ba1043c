package bpfloader

import (
	"strings"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteVariables_AncestorNameTooLong(t *testing.T) {
	spec := &ebpf.CollectionSpec{Variables: map[string]*ebpf.VariableSpec{}}

	err := rewriteVariables(spec, Options{AncestorName: strings.Repeat("x", 16)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "longer than 15 bytes")
}

func TestRewriteVariables_MissingVariable(t *testing.T) {
	spec := &ebpf.CollectionSpec{Variables: map[string]*ebpf.VariableSpec{}}

	err := rewriteVariables(spec, Options{AncestorName: "sshd", MaxArgs: 20, MaxAncestors: 20})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no variable "max_args"`)
}
