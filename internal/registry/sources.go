package registry

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
	"golang.org/x/mod/module"
)

// Archive describes where a package's source lives and how to unpack it
type Archive struct {
	URL    string
	Format Format
	strip  func(string) (string, bool)
}

// Getter performs GET requests on behalf of a Source
type Getter interface {
	GetJSON(ctx context.Context, url string, into any) error
}

// Source resolves the download location of a package in one registry
type Source interface {
	Registry() types.Registry
	Locate(ctx context.Context, g Getter, coord types.PackageCoordinate) (Archive, error)
}

// NpmSource reads dist.tarball from the version document
type NpmSource struct{ BaseURL string }

func (s *NpmSource) Registry() types.Registry { return types.RegistryNpm }

func (s *NpmSource) Locate(ctx context.Context, g Getter, coord types.PackageCoordinate) (Archive, error) {
	// Scoped names keep their "@" but escape the slash
	name := strings.Replace(coord.Name, "/", "%2f", 1)
	u := fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.BaseURL, "/"), name, url.PathEscape(coord.Version))

	var doc struct {
		Dist struct {
			Tarball string `json:"tarball"`
		} `json:"dist"`
	}
	if err := g.GetJSON(ctx, u, &doc); err != nil {
		return Archive{}, err
	}
	if doc.Dist.Tarball == "" {
		return Archive{}, fmt.Errorf("npm version document has no dist.tarball")
	}
	// Tarballs hold a single top directory, usually package/
	return Archive{URL: doc.Dist.Tarball, Format: FormatTarGz, strip: stripComponents(1)}, nil
}

// CratesSource uses the static download endpoint
type CratesSource struct{ BaseURL string }

func (s *CratesSource) Registry() types.Registry { return types.RegistryCrates }

func (s *CratesSource) Locate(_ context.Context, _ Getter, coord types.PackageCoordinate) (Archive, error) {
	u := fmt.Sprintf("%s/%s/%s/download", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(coord.Name), url.PathEscape(coord.Version))
	return Archive{URL: u, Format: FormatTarGz, strip: stripComponents(1)}, nil
}

// PypiSource prefers the sdist, falling back to a wheel
type PypiSource struct{ BaseURL string }

func (s *PypiSource) Registry() types.Registry { return types.RegistryPypi }

func (s *PypiSource) Locate(ctx context.Context, g Getter, coord types.PackageCoordinate) (Archive, error) {
	u := fmt.Sprintf("%s/%s/%s/json", strings.TrimRight(s.BaseURL, "/"), url.PathEscape(coord.Name), url.PathEscape(coord.Version))

	var doc struct {
		URLs []struct {
			PackageType string `json:"packagetype"`
			Filename    string `json:"filename"`
			URL         string `json:"url"`
		} `json:"urls"`
	}
	if err := g.GetJSON(ctx, u, &doc); err != nil {
		return Archive{}, err
	}

	var sdist, wheel, anyWheel string
	for _, f := range doc.URLs {
		switch f.PackageType {
		case "sdist":
			if sdist == "" {
				sdist = f.URL
			}
		case "bdist_wheel":
			if strings.HasSuffix(f.Filename, "-none-any.whl") && anyWheel == "" {
				anyWheel = f.URL
			}
			if wheel == "" {
				wheel = f.URL
			}
		}
	}

	switch {
	case sdist != "":
		format, strip := FormatTarGz, stripComponents(1)
		if strings.HasSuffix(sdist, ".zip") {
			format = FormatZip
		}
		return Archive{URL: sdist, Format: format, strip: strip}, nil
	case anyWheel != "":
		return Archive{URL: anyWheel, Format: FormatZip}, nil
	case wheel != "":
		return Archive{URL: wheel, Format: FormatZip}, nil
	}
	return Archive{}, fmt.Errorf("pypi release %s has no sdist or wheel", coord)
}

// GoProxySource downloads module zips from a GOPROXY
type GoProxySource struct{ BaseURL string }

func (s *GoProxySource) Registry() types.Registry { return types.RegistryGo }

func (s *GoProxySource) Locate(_ context.Context, _ Getter, coord types.PackageCoordinate) (Archive, error) {
	escPath, err := module.EscapePath(coord.Name)
	if err != nil {
		return Archive{}, fmt.Errorf("escape module path: %w", err)
	}
	escVersion, err := module.EscapeVersion(coord.Version)
	if err != nil {
		return Archive{}, fmt.Errorf("escape module version: %w", err)
	}
	u := fmt.Sprintf("%s/%s/@v/%s.zip", strings.TrimRight(s.BaseURL, "/"), escPath, escVersion)
	prefix := coord.Name + "@" + coord.Version + "/"
	return Archive{URL: u, Format: FormatZip, strip: stripPrefix(prefix)}, nil
}

// MavenSource fetches the -sources.jar of an artifact
type MavenSource struct{ BaseURL string }

func (s *MavenSource) Registry() types.Registry { return types.RegistryMaven }

func (s *MavenSource) Locate(_ context.Context, _ Getter, coord types.PackageCoordinate) (Archive, error) {
	group, artifact, ok := strings.Cut(coord.Name, ":")
	if !ok || group == "" || artifact == "" {
		return Archive{}, fmt.Errorf("maven name %q must be groupId:artifactId", coord.Name)
	}
	u := strings.TrimRight(s.BaseURL, "/") + "/" + path.Join(
		strings.ReplaceAll(group, ".", "/"),
		artifact,
		coord.Version,
		fmt.Sprintf("%s-%s-sources.jar", artifact, coord.Version),
	)
	return Archive{URL: u, Format: FormatZip}, nil
}
