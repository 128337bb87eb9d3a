package benchmarkorchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type fakeInstance struct {
	id           string
	ip           string
	instanceType string
	trial        int
}

// fakeEC2 launches instances that are running with a public IP as soon as they are described.
type fakeEC2 struct {
	mu         sync.Mutex
	instances  map[string]*fakeInstance
	byIP       map[string]*fakeInstance
	launches   []*ec2.RunInstancesInput
	terminated map[string]int

	runErr       func(instanceType string) error
	describeErr  error
	noAddress    bool
	terminateErr error
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		instances:  map[string]*fakeInstance{},
		byIP:       map[string]*fakeInstance{},
		terminated: map[string]int{},
	}
}

func tagValue(in *ec2.RunInstancesInput, key string) string {
	for _, spec := range in.TagSpecifications {
		for _, tag := range spec.Tags {
			if aws.ToString(tag.Key) == key {
				return aws.ToString(tag.Value)
			}
		}
	}
	return ""
}

func (f *fakeEC2) RunInstances(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		if err := f.runErr(string(params.InstanceType)); err != nil {
			return nil, err
		}
	}
	f.launches = append(f.launches, params)
	n := len(f.launches)
	trial, _ := strconv.Atoi(tagValue(params, TagTrial))
	inst := &fakeInstance{
		id:           fmt.Sprintf("i-%04d", n),
		ip:           fmt.Sprintf("10.0.0.%d", n),
		instanceType: string(params.InstanceType),
		trial:        trial,
	}
	f.instances[inst.id] = inst
	f.byIP[inst.ip] = inst
	return &ec2.RunInstancesOutput{
		Instances: []ec2Types.Instance{{InstanceId: aws.String(inst.id)}},
	}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, params *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := &ec2.DescribeInstancesOutput{}
	for _, id := range params.InstanceIds {
		inst, ok := f.instances[id]
		if !ok {
			continue
		}
		state := ec2Types.InstanceStateNameRunning
		if f.terminated[id] > 0 {
			state = ec2Types.InstanceStateNameTerminated
		}
		instance := ec2Types.Instance{
			InstanceId: aws.String(id),
			State:      &ec2Types.InstanceState{Name: state},
		}
		if !f.noAddress {
			instance.PublicIpAddress = aws.String(inst.ip)
		}
		out.Reservations = append(out.Reservations, ec2Types.Reservation{Instances: []ec2Types.Instance{instance}})
	}
	return out, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range params.InstanceIds {
		f.terminated[id]++
	}
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) instanceAt(ip string) *fakeInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byIP[ip]
}

func (f *fakeEC2) counts() (created int, terminated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.instances {
		if f.terminated[id] != 1 {
			// every created instance must be terminated exactly once
			return len(f.instances), -1
		}
	}
	total := 0
	for _, n := range f.terminated {
		total += n
	}
	return len(f.instances), total
}
