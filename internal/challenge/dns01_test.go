package challenge

import (
	"context"
	"testing"
)

type fakeProvisioner struct {
	txt map[string]string
}

func (f *fakeProvisioner) AddTXT(ctx context.Context, zone, rrname, value string, ttl int) error {
	if f.txt == nil {
		f.txt = make(map[string]string)
	}
	f.txt[rrname] = value
	return nil
}

func (f *fakeProvisioner) RemoveTXT(ctx context.Context, zone, rrname, value string) error {
	delete(f.txt, rrname)
	return nil
}

func (f *fakeProvisioner) ListNS(ctx context.Context, zone string) ([]string, error) {
	return nil, nil
}

func TestDNS01SelectProviderLongestSuffix(t *testing.T) {
	d := &DNS01{}
	general := &fakeProvisioner{}
	specific := &fakeProvisioner{}
	d.Register("foo.net", general)
	d.Register("api.foo.net", specific)

	binding, err := d.selectProvider("www.api.foo.net")
	if err != nil {
		t.Fatalf("selectProvider: %v", err)
	}
	if binding.provisioner != specific {
		t.Fatal("expected the longer-suffix zone binding to win")
	}

	binding, err = d.selectProvider("other.foo.net")
	if err != nil {
		t.Fatalf("selectProvider: %v", err)
	}
	if binding.provisioner != general {
		t.Fatal("expected the general zone binding for a non-api host")
	}
}

func TestDNS01SelectProviderNoMatch(t *testing.T) {
	d := &DNS01{}
	d.Register("foo.net", &fakeProvisioner{})
	if _, err := d.selectProvider("bar.net"); err == nil {
		t.Fatal("expected an error when no zone matches")
	}
}

func TestRecordNameAndValue(t *testing.T) {
	if got, want := recordName("www.example.org"), "_acme-challenge.www.example.org"; got != want {
		t.Fatalf("recordName() = %q, want %q", got, want)
	}
	v1 := dns01Value("token.thumbprint")
	v2 := dns01Value("token.thumbprint")
	if v1 != v2 {
		t.Fatal("expected dns01Value to be deterministic")
	}
	if v1 == "" {
		t.Fatal("expected a non-empty TXT value")
	}
}
