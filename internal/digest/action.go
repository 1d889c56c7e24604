package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/types/known/durationpb"
)

// InputFile is one leaf of the action's input tree.
type InputFile struct {
	// Path is slash-separated, relative to the input root.
	Path         string
	Digest       *repb.Digest
	IsExecutable bool
}

// ActionSpec carries everything that feeds the action digest. Reordering
// Env or OutputFiles in the source must not change the digest; the builders
// sort all entries.
type ActionSpec struct {
	Arguments   []string
	Env         map[string]string
	OutputFiles []string
	Timeout     time.Duration
	DoNotCache  bool
	Inputs      []InputFile
}

// ForAction computes the action digest: sha256 over the canonical Action
// message, whose fields are the command digest, the Merkle root of the
// inputs, the timeout and the do-not-cache flag.
func ForAction(spec ActionSpec) (*repb.Digest, error) {
	cmdDigest, _, err := OfMessage(buildCommand(spec))
	if err != nil {
		return nil, err
	}
	rootDigest, err := InputRoot(spec.Inputs)
	if err != nil {
		return nil, err
	}
	action := &repb.Action{
		CommandDigest:   cmdDigest,
		InputRootDigest: rootDigest,
		DoNotCache:      spec.DoNotCache,
	}
	if spec.Timeout > 0 {
		action.Timeout = durationpb.New(spec.Timeout)
	}
	d, _, err := OfMessage(action)
	return d, err
}

func buildCommand(spec ActionSpec) *repb.Command {
	cmd := &repb.Command{
		Arguments: spec.Arguments,
	}
	names := make([]string, 0, len(spec.Env))
	for name := range spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables,
			&repb.Command_EnvironmentVariable{Name: name, Value: spec.Env[name]})
	}
	cmd.OutputFiles = append(cmd.OutputFiles, spec.OutputFiles...)
	sort.Strings(cmd.OutputFiles)
	return cmd
}

// InputRoot assembles the Merkle tree over the input files and returns the
// digest of the root Directory message.
func InputRoot(inputs []InputFile) (*repb.Digest, error) {
	root := newTreeNode()
	for _, in := range inputs {
		if in.Digest == nil {
			return nil, fmt.Errorf("input %q has no digest", in.Path)
		}
		if err := root.insert(strings.Split(in.Path, "/"), in); err != nil {
			return nil, err
		}
	}
	return root.digest()
}

type treeNode struct {
	files map[string]InputFile
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]InputFile{}, dirs: map[string]*treeNode{}}
}

func (n *treeNode) insert(components []string, in InputFile) error {
	name := components[0]
	if len(components) == 1 {
		if _, ok := n.dirs[name]; ok {
			return fmt.Errorf("input path %q is both a file and a directory", in.Path)
		}
		n.files[name] = in
		return nil
	}
	if _, ok := n.files[name]; ok {
		return fmt.Errorf("input path %q is both a file and a directory", in.Path)
	}
	child, ok := n.dirs[name]
	if !ok {
		child = newTreeNode()
		n.dirs[name] = child
	}
	return child.insert(components[1:], in)
}

// digest hashes child directories bottom-up, entries sorted by name.
func (n *treeNode) digest() (*repb.Digest, error) {
	dir := &repb.Directory{}
	fileNames := make([]string, 0, len(n.files))
	for name := range n.files {
		fileNames = append(fileNames, name)
	}
	sort.Strings(fileNames)
	for _, name := range fileNames {
		in := n.files[name]
		dir.Files = append(dir.Files, &repb.FileNode{
			Name:         name,
			Digest:       in.Digest,
			IsExecutable: in.IsExecutable,
		})
	}
	dirNames := make([]string, 0, len(n.dirs))
	for name := range n.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	for _, name := range dirNames {
		child, err := n.dirs[name].digest()
		if err != nil {
			return nil, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: child,
		})
	}
	d, _, err := OfMessage(dir)
	return d, err
}
