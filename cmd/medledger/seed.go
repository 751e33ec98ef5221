package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/identity"
)

// seedParty is one doctor or patient in a seed manifest. Key wins over
// Address; with neither a fresh key is generated and printed.
type seedParty struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address,omitempty"`
	Key     string   `yaml:"key,omitempty"`
	Grant   []string `yaml:"grant,omitempty"`
}

type seedManifest struct {
	Doctors  []seedParty `yaml:"doctors"`
	Patients []seedParty `yaml:"patients"`
}

func loadSeedManifest(path string) (*seedManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed manifest: %w", err)
	}
	return parseSeedManifest(raw)
}

func parseSeedManifest(raw []byte) (*seedManifest, error) {
	var m seedManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse seed manifest: %w", err)
	}
	for i, d := range m.Doctors {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("doctors[%d]: name is required", i)
		}
		if len(d.Grant) > 0 {
			return nil, fmt.Errorf("doctors[%d]: only patients can grant access", i)
		}
	}
	for i, p := range m.Patients {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("patients[%d]: name is required", i)
		}
		if len(p.Grant) > 0 && p.Key == "" && p.Address != "" {
			return nil, fmt.Errorf("patients[%d]: granting access needs the patient's key", i)
		}
	}
	return &m, nil
}

// signerFor returns the party's signer, or nil when only an address is known.
func (p seedParty) signerFor() (identity.Signer, string, error) {
	switch {
	case p.Key != "":
		s, err := identity.ParsePrivateKey(p.Key)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", p.Name, err)
		}
		if p.Address != "" && !identity.EqualAddress(p.Address, s.Address()) {
			return nil, "", fmt.Errorf("%s: address does not match key", p.Name)
		}
		return s, "", nil
	case p.Address != "":
		return nil, "", nil
	default:
		s, key, err := identity.GenerateKey()
		if err != nil {
			return nil, "", err
		}
		return s, key, nil
	}
}

// applySeed registers every party not yet registered, then applies the
// patients' grants. Re-running a manifest is a no-op.
func applySeed(ctx context.Context, a *app, admin *auth.Session, m *seedManifest, out io.Writer) error {
	register := func(role addressbook.Role, p seedParty) (identity.Signer, string, error) {
		signer, key, err := p.signerFor()
		if err != nil {
			return nil, "", err
		}
		addr := p.Address
		if signer != nil {
			addr = signer.Address()
		}
		if _, ok := a.book.RoleOf(ctx, addr); ok {
			fmt.Fprintf(out, "skip %s %s (%s): already registered\n", role, p.Name, addr)
			return signer, addr, nil
		}
		res := a.svc.Register(ctx, admin, role, addr, p.Name)
		if !res.Success {
			return nil, "", fmt.Errorf("register %s %s: %s", role, p.Name, res.Message)
		}
		fmt.Fprintf(out, "registered %s %s %s\n", role, p.Name, addr)
		if key != "" {
			fmt.Fprintf(out, "  key %s\n", key)
		}
		return signer, addr, nil
	}

	for _, d := range m.Doctors {
		if _, _, err := register(addressbook.RoleDoctor, d); err != nil {
			return err
		}
	}

	for _, p := range m.Patients {
		signer, addr, err := register(addressbook.RolePatient, p)
		if err != nil {
			return err
		}
		if len(p.Grant) == 0 {
			continue
		}
		sess := &auth.Session{Address: addr, Role: auth.RolePatient, Signer: signer}
		for _, name := range p.Grant {
			doctor, err := a.book.Lookup(ctx, addressbook.RoleDoctor, name)
			if err != nil {
				return fmt.Errorf("grant %s -> %s: %w", p.Name, name, err)
			}
			if ok, err := a.svc.IsAuthorized(ctx, sess, doctor, addr); err == nil && ok {
				continue
			}
			res := a.svc.GrantAccess(ctx, sess, doctor, addr)
			if !res.Success {
				return fmt.Errorf("grant %s -> %s: %s", p.Name, name, res.Message)
			}
			fmt.Fprintf(out, "granted %s access to %s\n", name, p.Name)
		}
	}
	return nil
}
