// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigfit/fitconfig"
	"github.com/grailbio/bigmachine/ec2system/instances"

	// Show the user the AWS defaults when writing the profile.
	_ "github.com/grailbio/base/config/aws"
)

const securityGroupParam = "bigmachine/ec2system.security-group"

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigfit setup-ec2 [-securitygroup name] [-instance type] [-nodes n] [-ranks n] [-n]

Command setup-ec2 configures the bigfit profile at `, fitconfig.Path, `
so that worker sets run on AWS EC2: ranks are placed on -nodes machines
of the given instance type, -ranks of them per machine. If -ranks is 0,
each machine runs one rank per vCPU of its instance type. An existing
profile is modified in place.

Machines of a worker set exchange collective contributions with the
rendezvous machine, so they must share a security group that admits
traffic between them. Setup-ec2 looks for a security group with the
given name and creates one in the default VPC if there is none. The
group allows all traffic within the VPC, all outbound traffic, and
inbound SSH and HTTPS connections. A security group already present in
the profile is kept.

With -n, the resulting profile is printed instead of written, and no
security group is created.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

// ec2Layout is the placement of a worker set on EC2 machines.
type ec2Layout struct {
	// Instance is the EC2 instance type of every machine.
	Instance string
	// Nodes is the number of machines.
	Nodes int
	// Ranks is the number of ranks per machine. If 0, it is the
	// number of vCPUs of the instance type.
	Ranks int
}

// ranksPerNode returns the number of ranks run by each machine.
func (l ec2Layout) ranksPerNode() (int, error) {
	if l.Ranks > 0 {
		return l.Ranks, nil
	}
	for _, typ := range instances.Types {
		if typ.Name == l.Instance {
			return int(typ.VCPU), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown instance type %q; set the number of ranks per node explicitly", l.Instance))
}

// configure sets the bigfit and ec2system parameters of profile so
// that worker sets run with layout l in the security group with the
// provided ID.
func (l ec2Layout) configure(profile *config.Profile, groupID string) error {
	if l.Nodes <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("nodes %d <= 0", l.Nodes))
	}
	ranks, err := l.ranksPerNode()
	if err != nil {
		return err
	}
	if region, ok := profile.Get("aws/env.region"); ok && region != `""` {
		log.Printf("machines are launched in region %s", region)
	}
	for _, p := range []struct{ path, value string }{
		{"bigfit.system", "bigmachine/ec2system"},
		{"bigfit.nodes", strconv.Itoa(l.Nodes)},
		{"bigfit.parallelism", strconv.Itoa(l.Nodes * ranks)},
		{"bigmachine/ec2system.instance", l.Instance},
		{securityGroupParam, groupID},
	} {
		if err := profile.Set(p.path, p.value); err != nil {
			return errors.E(errors.Invalid, "configure profile", err)
		}
	}
	return nil
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigfit setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigfit", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "instance type of the machines")
		nodes         = flags.Int("nodes", 2, "number of machines in a worker set")
		ranks         = flags.Int("ranks", 0, "number of ranks per machine; 0 for one per vCPU")
		dryRun        = flags.Bool("n", false, "print the profile instead of writing it")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := config.New()
	f, err := os.Open(fitconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}

	groupID, ok := profile.Get(securityGroupParam)
	groupID = strings.Trim(groupID, `"`)
	switch {
	case ok && groupID != "":
		log.Printf("ec2 security group %s already configured", groupID)
	case *dryRun:
		groupID = "<" + *securityGroup + ">"
	default:
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		groupID, err = ensureSecurityGroup(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
	}
	layout := ec2Layout{Instance: *instance, Nodes: *nodes, Ranks: *ranks}
	must.Nil(layout.configure(profile, groupID))

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	if *dryRun {
		_, err := os.Stdout.Write(buf.Bytes())
		must.Nil(err)
		return
	}
	must.Nil(os.MkdirAll(filepath.Dir(fitconfig.Path), 0777))
	must.Nil(ioutil.WriteFile(fitconfig.Path+".setup-ec2", buf.Bytes(), 0666))
	must.Nil(os.Rename(fitconfig.Path+".setup-ec2", fitconfig.Path))
	log.Print("wrote configuration to ", fitconfig.Path)
}

// ingressRules returns the inbound permissions of the bigfit
// security group in a VPC with the provided CIDR block.
func ingressRules(vpcCIDR string) []*ec2.IpPermission {
	rule := func(proto, cidr string, port int64) *ec2.IpPermission {
		return &ec2.IpPermission{
			IpProtocol: aws.String(proto),
			IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(cidr)}},
			FromPort:   aws.Int64(port),
			ToPort:     aws.Int64(port),
		}
	}
	return []*ec2.IpPermission{
		// Collective exchanges and rank calls between machines.
		rule("-1", vpcCIDR, 0),
		rule("tcp", "0.0.0.0/0", 22),
		// Driver calls to the machines.
		rule("tcp", "0.0.0.0/0", 443),
	}
}

// ensureSecurityGroup returns the ID of the security group with the
// provided name, creating it in the account's default VPC if it does
// not exist.
func ensureSecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	groups, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, fmt.Sprintf("query security group %q", name), err)
	}
	if len(groups.SecurityGroups) > 0 {
		id := aws.StringValue(groups.SecurityGroups[0].GroupId)
		log.Printf("using existing security group %s (%s)", name, id)
		return id, nil
	}
	vpcs, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, "retrieve default VPC", err)
	}
	if n := len(vpcs.Vpcs); n != 1 {
		return "", errors.E(errors.Precondition, fmt.Sprintf("found %d default VPCs; create security group %q manually and set %s", n, name, securityGroupParam))
	}
	vpc := vpcs.Vpcs[0]
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("bigfit worker sets"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s in %s", name, aws.StringValue(vpc.VpcId)), err)
	}
	id := aws.StringValue(created.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       created.GroupId,
		IpPermissions: ingressRules(aws.StringValue(vpc.CidrBlock)),
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{created.GroupId},
		Tags:      []*ec2.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
	})
	if err != nil {
		// The group is usable without its name tag.
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s (%s) in %s", name, id, aws.StringValue(vpc.VpcId))
	return id, nil
}
