// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
)

// fakeEC2 serves the EC2 calls of ensureSecurityGroup from memory.
type fakeEC2 struct {
	ec2iface.EC2API

	groups  map[string]string
	vpcs    []*ec2.Vpc
	ingress map[string][]*ec2.IpPermission
	tags    map[string][]*ec2.Tag
}

func newFakeEC2(vpcs ...*ec2.Vpc) *fakeEC2 {
	return &fakeEC2{
		groups:  make(map[string]string),
		vpcs:    vpcs,
		ingress: make(map[string][]*ec2.IpPermission),
		tags:    make(map[string][]*ec2.Tag),
	}
}

func (f *fakeEC2) DescribeSecurityGroups(in *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
	out := new(ec2.DescribeSecurityGroupsOutput)
	for _, name := range in.Filters[0].Values {
		if id, ok := f.groups[aws.StringValue(name)]; ok {
			out.SecurityGroups = append(out.SecurityGroups, &ec2.SecurityGroup{GroupId: aws.String(id), GroupName: name})
		}
	}
	return out, nil
}

func (f *fakeEC2) DescribeVpcs(*ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) CreateSecurityGroup(in *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
	id := "sg-" + aws.StringValue(in.GroupName)
	f.groups[aws.StringValue(in.GroupName)] = id
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(in *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	id := aws.StringValue(in.GroupId)
	f.ingress[id] = append(f.ingress[id], in.IpPermissions...)
	return new(ec2.AuthorizeSecurityGroupIngressOutput), nil
}

func (f *fakeEC2) CreateTags(in *ec2.CreateTagsInput) (*ec2.CreateTagsOutput, error) {
	for _, r := range in.Resources {
		f.tags[aws.StringValue(r)] = append(f.tags[aws.StringValue(r)], in.Tags...)
	}
	return new(ec2.CreateTagsOutput), nil
}

func TestEnsureSecurityGroup(t *testing.T) {
	svc := newFakeEC2(&ec2.Vpc{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("172.31.0.0/16")})
	id, err := ensureSecurityGroup(svc, "bigfit")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := id, "sg-bigfit"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	rules := svc.ingress[id]
	if got, want := len(rules), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(rules[0].IpRanges[0].CidrIp), "172.31.0.0/16"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := aws.StringValue(svc.tags[id][0].Value), "bigfit"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// A second setup finds the group.
	svc.ingress = make(map[string][]*ec2.IpPermission)
	again, err := ensureSecurityGroup(svc, "bigfit")
	if err != nil {
		t.Fatal(err)
	}
	if again != id || len(svc.ingress) != 0 {
		t.Errorf("got %v with %d authorizations, want existing group %v", again, len(svc.ingress), id)
	}
}

func TestEnsureSecurityGroupNoVPC(t *testing.T) {
	_, err := ensureSecurityGroup(newFakeEC2(), "bigfit")
	if !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
}

func TestLayoutConfigure(t *testing.T) {
	profile := config.New()
	layout := ec2Layout{Instance: "m5.xlarge", Nodes: 3}
	if err := layout.configure(profile, "sg-123"); err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]string{
		"bigfit.system":                       "bigmachine/ec2system",
		"bigfit.nodes":                        "3",
		"bigfit.parallelism":                  "12",
		"bigmachine/ec2system.instance":       `"m5.xlarge"`,
		"bigmachine/ec2system.security-group": `"sg-123"`,
	} {
		got, ok := profile.Get(path)
		if !ok || got != want {
			t.Errorf("%s: got %v, want %v", path, got, want)
		}
	}

	layout = ec2Layout{Instance: "m5.xlarge", Nodes: 2, Ranks: 1}
	if err := layout.configure(profile, "sg-123"); err != nil {
		t.Fatal(err)
	}
	if got, _ := profile.Get("bigfit.parallelism"); got != "2" {
		t.Errorf("got %v, want 2", got)
	}

	for _, bad := range []ec2Layout{
		{Instance: "m5.xlarge", Nodes: 0},
		{Instance: "no.such.type", Nodes: 1},
	} {
		if err := bad.configure(config.New(), "sg-123"); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", bad, err)
		}
	}
}
