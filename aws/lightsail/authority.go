package lightsail

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lightsail"
	"github.com/aws/aws-sdk-go-v2/service/lightsail/types"
	"github.com/paxan/sshmux"
	"golang.org/x/crypto/ssh"
)

// Authority obtains short-lived SSH credentials for Lightsail instances.
type Authority struct {
	Client InstanceAccessDetailsGetter
}

var _ sshmux.Authority = (*Authority)(nil)

type InstanceAccessDetailsGetter interface {
	GetInstanceAccessDetails(
		context.Context, *lightsail.GetInstanceAccessDetailsInput, ...func(*lightsail.Options),
	) (*lightsail.GetInstanceAccessDetailsOutput, error)
}

func NewAuthority(cfg aws.Config, optFns ...func(*lightsail.Options)) *Authority {
	return &Authority{Client: lightsail.NewFromConfig(cfg, optFns...)}
}

// WithBaseEndpoint overrides the API endpoint when endpoint is not empty.
func WithBaseEndpoint(endpoint string) func(*lightsail.Options) {
	return func(o *lightsail.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
	}
}

// IssueCredentials returns connection parameters for the instance named
// target: its address, login user, a certificate-backed key, and the host
// keys the instance is known to present.
func (a *Authority) IssueCredentials(
	ctx context.Context, target string,
) (*sshmux.ConnectionParams, error) {
	iad, err := a.Client.GetInstanceAccessDetails(ctx, &lightsail.GetInstanceAccessDetailsInput{
		InstanceName: aws.String(target),
		Protocol:     types.InstanceAccessProtocolSsh,
	})
	if err != nil {
		return nil, err
	}
	if iad.AccessDetails == nil {
		return nil, fmt.Errorf("no access details for instance %q", target)
	}

	known, err := parseHostKeyAttributes(iad.AccessDetails.HostKeys)
	if err != nil {
		return nil, err
	}

	cert, err := parseCertKey(aws.ToString(iad.AccessDetails.CertKey))
	if err != nil {
		return nil, err
	}

	sk, err := ssh.ParsePrivateKey([]byte(aws.ToString(iad.AccessDetails.PrivateKey)))
	if err != nil {
		return nil, err
	}

	return &sshmux.ConnectionParams{
		User:          aws.ToString(iad.AccessDetails.Username),
		Host:          aws.ToString(iad.AccessDetails.IpAddress),
		Port:          sshmux.DefaultPort,
		KnownHostKeys: known,
		Cert:          cert,
		Signer:        sk,
	}, nil
}

func parseHostKeyAttributes(hkas []types.HostKeyAttributes) (pks []ssh.PublicKey, _ error) {
	if n := len(hkas); n != 0 {
		pks = make([]ssh.PublicKey, 0, n)
	}

	for _, hka := range hkas {
		b, err := base64.StdEncoding.DecodeString(aws.ToString(hka.PublicKey))
		if err != nil {
			return nil, err
		}

		pk, err := ssh.ParsePublicKey(b)
		if err != nil {
			return nil, err
		}

		pks = append(pks, pk)
	}

	return pks, nil
}

func parseCertKey(encodedCert string) (*ssh.Certificate, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(encodedCert))
	if err != nil {
		return nil, err
	}

	cert, ok := pk.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("expected an SSH certificate but got: %T", pk)
	}

	if cert.CertType != ssh.UserCert {
		return nil, fmt.Errorf("expected an SSH user certificate (type=%v) but got: type=%v",
			ssh.UserCert, cert.CertType)
	}

	return cert, nil
}
