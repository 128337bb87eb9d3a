// Package imageresolver finds the newest Canonical Ubuntu image for an architecture.
package imageresolver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/go-version"
)

// CanonicalOwnerID is the AWS account that publishes the official Ubuntu images.
const CanonicalOwnerID = "099720109477"

const DefaultRelease = "20.04"

type ubuntuRelease struct {
	codename   string
	volumeKind string
}

var releases = map[string]ubuntuRelease{
	"18.04": {codename: "bionic", volumeKind: "hvm-ssd"},
	"20.04": {codename: "focal", volumeKind: "hvm-ssd"},
	"22.04": {codename: "jammy", volumeKind: "hvm-ssd"},
	"24.04": {codename: "noble", volumeKind: "hvm-ssd-gp3"},
}

// NoImageFoundError means no image matched the name pattern.
type NoImageFoundError struct {
	Owner   string
	Pattern string
}

func (e *NoImageFoundError) Error() string {
	return fmt.Sprintf("no image owned by %s matches %s", e.Owner, e.Pattern)
}

type ImagesAPI interface {
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

type ResolverInput struct {
	EC2     ImagesAPI
	Owner   string // CanonicalOwnerID if empty
	Release string // DefaultRelease if empty
}

type Resolver struct {
	ec2     ImagesAPI
	owner   string
	release string
	ubuntu  ubuntuRelease
}

func NewResolver(input *ResolverInput) (*Resolver, error) {
	owner := input.Owner
	if owner == "" {
		owner = CanonicalOwnerID
	}
	release, ubuntu, err := parseRelease(input.Release)
	if err != nil {
		return nil, err
	}
	return &Resolver{ec2: input.EC2, owner: owner, release: release, ubuntu: ubuntu}, nil
}

// ParseRelease validates an Ubuntu LTS release such as "22.04" and normalizes it.
func ParseRelease(s string) (string, error) {
	release, _, err := parseRelease(s)
	return release, err
}

func parseRelease(s string) (string, ubuntuRelease, error) {
	if s == "" {
		s = DefaultRelease
	}
	if strings.HasPrefix(s, "v") {
		return "", ubuntuRelease{}, fmt.Errorf("ubuntu release must not have a v prefix")
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return "", ubuntuRelease{}, fmt.Errorf("can't parse ubuntu release: %w", err)
	}
	segments := v.Segments()
	release := fmt.Sprintf("%d.%02d", segments[0], segments[1])
	ubuntu, ok := releases[release]
	if !ok {
		known := make([]string, 0, len(releases))
		for r := range releases {
			known = append(known, r)
		}
		slices.Sort(known)
		return "", ubuntuRelease{}, fmt.Errorf("unsupported ubuntu release %s, must be one of: %s", s, strings.Join(known, ", "))
	}
	return release, ubuntu, nil
}

// DebArch maps a machine architecture to the Debian architecture used in image names.
func DebArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// NamePattern is the image name filter for an architecture.
func (r *Resolver) NamePattern(arch string) string {
	return fmt.Sprintf("ubuntu/images/%s/ubuntu-%s-%s-%s*", r.ubuntu.volumeKind, r.ubuntu.codename, r.release, DebArch(arch))
}

// Resolve returns the ID of the most recently created matching image.
func (r *Resolver) Resolve(ctx context.Context, arch string) (string, error) {
	pattern := r.NamePattern(arch)
	input := &ec2.DescribeImagesInput{
		Owners: []string{r.owner},
		Filters: []ec2Types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
		},
	}

	var images []ec2Types.Image
	for {
		resp, err := r.ec2.DescribeImages(ctx, input)
		if err != nil {
			return "", fmt.Errorf("failed to describe images: %w", err)
		}
		images = append(images, resp.Images...)
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		input.NextToken = resp.NextToken
	}

	if len(images) == 0 {
		return "", &NoImageFoundError{Owner: r.owner, Pattern: pattern}
	}

	newest := slices.MaxFunc(images, func(a, b ec2Types.Image) int {
		return creationTime(a).Compare(creationTime(b))
	})
	slog.Debug("resolved image",
		slog.String("pattern", pattern),
		slog.String("imageID", aws.ToString(newest.ImageId)),
		slog.String("name", aws.ToString(newest.Name)),
		slog.Int("candidates", len(images)),
	)
	return aws.ToString(newest.ImageId), nil
}

func creationTime(img ec2Types.Image) time.Time {
	t, err := time.Parse(time.RFC3339, aws.ToString(img.CreationDate))
	if err != nil {
		return time.Time{}
	}
	return t
}
