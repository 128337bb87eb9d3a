package imageresolver

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	pages  [][]ec2Types.Image
	err    error
	inputs []*ec2.DescribeImagesInput
}

func (f *fakeImages) DescribeImages(_ context.Context, params *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	in := *params
	f.inputs = append(f.inputs, &in)
	if f.err != nil {
		return nil, f.err
	}
	page := len(f.inputs) - 1
	out := &ec2.DescribeImagesOutput{}
	if page < len(f.pages) {
		out.Images = f.pages[page]
	}
	if page < len(f.pages)-1 {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func image(id string, created string) ec2Types.Image {
	return ec2Types.Image{ImageId: aws.String(id), CreationDate: aws.String(created), Name: aws.String("ubuntu-" + id)}
}

func TestResolvePicksNewestImage(t *testing.T) {
	api := &fakeImages{pages: [][]ec2Types.Image{
		{image("ami-old", "2023-01-10T10:00:00.000Z"), image("ami-newest", "2024-06-01T09:30:00.000Z")},
		{image("ami-mid", "2024-02-01T00:00:00.000Z")},
	}}
	r, err := NewResolver(&ResolverInput{EC2: api})
	require.NoError(t, err)

	id, err := r.Resolve(context.Background(), "x86_64")
	require.NoError(t, err)
	assert.Equal(t, "ami-newest", id)

	require.Len(t, api.inputs, 2)
	assert.Equal(t, []string{CanonicalOwnerID}, api.inputs[0].Owners)
	assert.Equal(t, "name", *api.inputs[0].Filters[0].Name)
	assert.Equal(t, []string{"ubuntu/images/hvm-ssd/ubuntu-focal-20.04-amd64*"}, api.inputs[0].Filters[0].Values)
	assert.Nil(t, api.inputs[0].NextToken)
	assert.Equal(t, "next", *api.inputs[1].NextToken)
}

func TestResolveNoImage(t *testing.T) {
	r, err := NewResolver(&ResolverInput{EC2: &fakeImages{}, Release: "22.04"})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "arm64")
	var noImage *NoImageFoundError
	require.ErrorAs(t, err, &noImage)
	assert.Equal(t, "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-arm64*", noImage.Pattern)
}

func TestResolvePropagatesProviderErrors(t *testing.T) {
	boom := errors.New("UnauthorizedOperation")
	r, err := NewResolver(&ResolverInput{EC2: &fakeImages{err: boom}})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "x86_64")
	assert.ErrorIs(t, err, boom)
}

func TestNamePattern(t *testing.T) {
	tests := []struct {
		release string
		arch    string
		want    string
	}{
		{release: "20.04", arch: "x86_64", want: "ubuntu/images/hvm-ssd/ubuntu-focal-20.04-amd64*"},
		{release: "20.4", arch: "aarch64", want: "ubuntu/images/hvm-ssd/ubuntu-focal-20.04-arm64*"},
		{release: "24.04", arch: "arm64", want: "ubuntu/images/hvm-ssd-gp3/ubuntu-noble-24.04-arm64*"},
	}
	for _, tt := range tests {
		t.Run(tt.release+"/"+tt.arch, func(t *testing.T) {
			r, err := NewResolver(&ResolverInput{Release: tt.release})
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.NamePattern(tt.arch))
		})
	}
}

func TestParseRelease(t *testing.T) {
	release, err := ParseRelease("")
	require.NoError(t, err)
	assert.Equal(t, "20.04", release)

	for _, bad := range []string{"v20.04", "20.10", "focal"} {
		_, err := ParseRelease(bad)
		assert.Error(t, err, bad)
	}
}
