package builtins

import "github.com/quorumrun/nexus/pkg/contract"

var (
	_ contract.Tool = ReadFileTool{}
	_ contract.Tool = ApplyPatchTool{}
)
