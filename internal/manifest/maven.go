package manifest

import (
	"encoding/xml"
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

// MavenResolver reads pom.xml, substituting ${property} placeholders
type MavenResolver struct{}

func (r *MavenResolver) Ecosystem() types.Registry { return types.RegistryMaven }

type pomProject struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Parent     struct {
		GroupID string `xml:"groupId"`
		Version string `xml:"version"`
	} `xml:"parent"`
	Properties   pomProperties `xml:"properties"`
	Dependencies struct {
		Dependency []pomDependency `xml:"dependency"`
	} `xml:"dependencies"`
	// dependencyManagement only constrains versions; it declares nothing
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Scope      string `xml:"scope"`
	Optional   string `xml:"optional"`
}

// pomProperties collects arbitrary <properties> children
type pomProperties map[string]string

func (p *pomProperties) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	props := make(map[string]string)
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var v string
			if err := d.DecodeElement(&v, &t); err != nil {
				return err
			}
			props[t.Name.Local] = strings.TrimSpace(v)
		case xml.EndElement:
			*p = props
			return nil
		}
	}
}

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

func (r *MavenResolver) Resolve(dir string) ([]Dependency, error) {
	pomPath := join(dir, "pom.xml")
	data, err := os.ReadFile(pomPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.ManifestError{Ecosystem: types.RegistryMaven, Path: pomPath, Kind: types.ManifestMissingRequiredFile, Err: err}
	}

	var pom pomProject
	if err := xml.Unmarshal(data, &pom); err != nil {
		return nil, syntaxError(types.RegistryMaven, pomPath, err)
	}

	props := pom.propertyTable()

	var deps []Dependency
	var errs []error
	for _, d := range pom.Dependencies.Dependency {
		switch strings.TrimSpace(d.Scope) {
		case "test", "provided", "system":
			continue
		}

		group, gerr := substitute(d.GroupID, props)
		artifact, aerr := substitute(d.ArtifactID, props)
		version, verr := substitute(d.Version, props)
		if err := errors.Join(gerr, aerr, verr); err != nil {
			errs = append(errs, &types.ManifestError{
				Ecosystem: types.RegistryMaven,
				Path:      pomPath,
				Kind:      types.ManifestUnresolvedPlaceholder,
				Detail:    strings.TrimSpace(d.GroupID) + ":" + strings.TrimSpace(d.ArtifactID),
				Err:       err,
			})
			continue
		}

		name := group + ":" + artifact
		if version == "" {
			errs = append(errs, unresolvable(types.RegistryMaven, pomPath, name, "(version managed by parent)"))
			continue
		}
		// Version ranges such as [1.0,2.0) cannot be fetched
		if strings.ContainsAny(version, "[](),") {
			errs = append(errs, unresolvable(types.RegistryMaven, pomPath, name, version))
			continue
		}
		deps = append(deps, newDependency(types.RegistryMaven, name, version, pomPath, false))
	}
	return deps, errors.Join(errs...)
}

func (p *pomProject) propertyTable() map[string]string {
	props := make(map[string]string, len(p.Properties)+6)
	for k, v := range p.Properties {
		props[k] = v
	}
	version := strings.TrimSpace(p.Version)
	if version == "" {
		version = strings.TrimSpace(p.Parent.Version)
	}
	group := strings.TrimSpace(p.GroupID)
	if group == "" {
		group = strings.TrimSpace(p.Parent.GroupID)
	}
	for k, v := range map[string]string{
		"project.version":        version,
		"pom.version":            version,
		"version":                version,
		"project.groupId":        group,
		"project.artifactId":     strings.TrimSpace(p.ArtifactID),
		"project.parent.version": strings.TrimSpace(p.Parent.Version),
	} {
		if _, explicit := props[k]; !explicit && v != "" {
			props[k] = v
		}
	}
	return props
}

// substitute replaces placeholders, resolving chained properties up to a fixed depth
func substitute(value string, props map[string]string) (string, error) {
	v := strings.TrimSpace(value)
	for depth := 0; depth < 8 && strings.Contains(v, "${"); depth++ {
		var missing []string
		v = placeholderRe.ReplaceAllStringFunc(v, func(m string) string {
			key := m[2 : len(m)-1]
			if resolved, ok := props[key]; ok {
				return resolved
			}
			missing = append(missing, key)
			return m
		})
		if len(missing) > 0 {
			return "", errors.New("unresolved placeholder ${" + strings.Join(missing, "}, ${") + "}")
		}
	}
	if strings.Contains(v, "${") {
		return "", errors.New("placeholder recursion in " + value)
	}
	return v, nil
}
