package permission

import (
	"context"
	"fmt"
	"os"

	"github.com/upb/api-gatekeeper/repositories"
	"gopkg.in/yaml.v3"
)

// roleFile is the on-disk shape of ROLE_MAPPING_FILE:
//
//	roles:
//	  viewer: [file:read]
//	  editor: [file:read, file:write]
type roleFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// FileSource loads the mapping from a YAML file on every Load
type FileSource struct {
	Path string
}

// NewFileSource creates a FileSource
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load reads and parses the file
func (s *FileSource) Load(_ context.Context) (map[string][]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role mapping: %w", err)
	}
	return ParseMapping(data)
}

// ParseMapping parses a YAML role mapping document
func ParseMapping(data []byte) (map[string][]string, error) {
	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse role mapping: %w", err)
	}
	if f.Roles == nil {
		return nil, fmt.Errorf("role mapping has no roles section")
	}
	return f.Roles, nil
}

// RepositorySource loads the mapping from the role_permissions table
type RepositorySource struct {
	repo repositories.RolePermissionRepository
}

// NewRepositorySource creates a RepositorySource
func NewRepositorySource(repo repositories.RolePermissionRepository) *RepositorySource {
	return &RepositorySource{repo: repo}
}

// Load returns the mapping stored in the repository
func (s *RepositorySource) Load(ctx context.Context) (map[string][]string, error) {
	return s.repo.ListAll(ctx)
}

// StaticSource always returns the same mapping
type StaticSource map[string][]string

// Load implements Source
func (s StaticSource) Load(_ context.Context) (map[string][]string, error) {
	return s, nil
}
