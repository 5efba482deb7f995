package media

import (
	"fmt"

	"github.com/dargueta/nandmedia/bootblock"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand"
	"github.com/sirupsen/logrus"
)

// BootBlockLocations is a snapshot of where each boot block copy is and what
// state it was in when last checked.
type BootBlockLocations struct {
	NCB  [2]bootblock.Location
	LDLB [2]bootblock.Location
	DBBT [2]bootblock.Location
	// DBBTSearch is where the search for each DBBT copy starts.
	DBBTSearch [2]bootblock.SectorAddress
	// UsingSecondary is set if the primary NCB couldn't be found.
	UsingSecondary bool
}

// BootBlockLocations returns where the boot blocks were last found or
// written.
func (m *Media) BootBlockLocations() BootBlockLocations {
	m.lock.Lock()
	defer m.lock.Unlock()
	return BootBlockLocations{
		NCB:            m.ncb,
		LDLB:           m.ldlb,
		DBBT:           m.dbbt,
		DBBTSearch:     m.dbbtSearch,
		UsingSecondary: m.usingSecondary,
	}
}

// NCBAddressValid reports whether either NCB copy has been found.
func (m *Media) NCBAddressValid() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.ncbAddressValid()
}

func (m *Media) ncbAddressValid() bool {
	return m.ncb[0].State == bootblock.LocationValid || m.ncb[1].State == bootblock.LocationValid
}

func notFoundError(kind bootblock.Kind) errors.DriverError {
	switch kind {
	case bootblock.KindNCB:
		return errors.ErrNCBNotFound
	case bootblock.KindLDLB:
		return errors.ErrLDLBNotFound
	case bootblock.KindDBBT:
		return errors.ErrDBBTNotFound
	}
	return errors.ErrConfigBlockNotFound
}

func isNotFound(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ENCBNOTFOUND, errors.ELDLBNOTFOUND, errors.EDBBTNOTFOUND, errors.ECONFIGNOTFOUND:
		return true
	}
	return false
}

// bootBlockSearch looks for a boot block's fingerprint at each probe of the
// search area starting at `start`, returning the page it was found at and the
// page's contents. Unreadable probes are skipped; any other I/O error ends the
// search.
func (m *Media) bootBlockSearch(
	kind bootblock.Kind, start bootblock.SectorAddress,
) (nand.PageAddress, []byte, error) {
	fingerprint := kind.Fingerprint()
	buffer := make([]byte, m.geometry.PageDataSize)

	for _, page := range m.probePages(start, 1) {
		// A block retired partway through a write may still carry a fingerprint.
		bad, err := m.nand.IsBlockMarkedBad(m.geometry.BlockOf(page))
		if err != nil {
			return nand.InvalidPage, nil, err
		}
		if bad {
			continue
		}

		status, err := m.nand.ReadPage(page, buffer, nil)
		if err != nil {
			return nand.InvalidPage, nil, err
		}
		if !status.IsUsable() {
			m.logger.WithFields(logrus.Fields{
				"kind": kind.String(),
				"page": uint32(page),
			}).Debug("skipping unreadable probe")
			continue
		}
		if fingerprint.Matches(buffer) {
			return page, buffer, nil
		}
	}

	return nand.InvalidPage, nil, notFoundError(kind).WithMessage(
		fmt.Sprintf(
			"no %s in %d probes from chip %d sector %d",
			kind,
			m.config.BootBlockSearchNumber,
			start.Chip,
			start.Sector))
}

// findNCB searches for one copy of the NCB. The first NCB found fills in the
// chip parameters unless they're already known.
func (m *Media) findNCB(copyIndex int) (nand.PageAddress, error) {
	page, buffer, err := m.bootBlockSearch(bootblock.KindNCB, m.bootBlockArea(bootblock.KindNCB, copyIndex))
	if err != nil {
		return page, err
	}

	ncb, err := bootblock.DecodeNCB(buffer)
	if err != nil {
		return page, err
	}
	if !m.chipParams.known {
		m.chipParams.known = true
		m.chipParams.ncb = ncb
	}
	return page, nil
}

// findLDLB searches for one copy of the LDLB, returning its contents. Both
// copies sit a fixed number of areas after their own NCB area, wherever in
// that area the NCB itself was found.
func (m *Media) findLDLB(copyIndex int) (nand.PageAddress, bootblock.LDLB, error) {
	start := m.ldlbSearchStart(m.bootBlockArea(bootblock.KindNCB, copyIndex))
	page, buffer, err := m.bootBlockSearch(bootblock.KindLDLB, start)
	if err != nil {
		return page, bootblock.LDLB{}, err
	}
	ldlb, err := bootblock.DecodeLDLB(buffer)
	return page, ldlb, err
}

// findDBBT searches for one copy of the DBBT from its LDLB search address.
func (m *Media) findDBBT(copyIndex int) (nand.PageAddress, bootblock.DBBTLayout, error) {
	page, buffer, err := m.bootBlockSearch(bootblock.KindDBBT, m.dbbtSearch[copyIndex])
	if err != nil {
		return page, bootblock.DBBTLayout{}, err
	}
	layout, err := bootblock.DecodeDBBTLayout(buffer)
	return page, layout, err
}

// findBootControlBlocks locates the NCB, LDLB and both DBBTs. A missing primary
// NCB or LDLB falls back to the secondary; the media is only unusable if both
// are gone. Missing DBBTs aren't an error.
func (m *Media) findBootControlBlocks() error {
	m.resetLocations()

	page, err := m.findNCB(0)
	switch {
	case err == nil:
		m.ncb[0] = m.locationOf(page, bootblock.LocationValid)
	case isNotFound(err) || errors.CodeOf(err) == errors.EBADCOOKIE:
		m.logger.WithError(err).Warn("primary NCB not found, trying secondary")
		m.ncb[0].State = bootblock.LocationInvalid
		m.usingSecondary = true

		page, err = m.findNCB(1)
		if err != nil {
			m.ncb[1].State = bootblock.LocationInvalid
			return err
		}
		m.ncb[1] = m.locationOf(page, bootblock.LocationValid)
	default:
		return err
	}

	// Once the secondary NCB is in use the primary LDLB isn't looked at, the
	// same as the boot ROM. Its location stays unknown.
	var ldlb bootblock.LDLB
	trySecondary := m.usingSecondary
	if !trySecondary {
		page, ldlb, err = m.findLDLB(0)
		switch {
		case err == nil:
			m.ldlb[0] = m.locationOf(page, bootblock.LocationValid)
		case isNotFound(err) || errors.CodeOf(err) == errors.EBADCOOKIE:
			m.logger.WithError(err).Warn("primary LDLB not found, trying secondary")
			m.ldlb[0].State = bootblock.LocationInvalid
			trySecondary = true
		default:
			return err
		}
	}
	if trySecondary {
		page, ldlb, err = m.findLDLB(1)
		if err != nil {
			m.ldlb[1].State = bootblock.LocationInvalid
			return err
		}
		m.ldlb[1] = m.locationOf(page, bootblock.LocationValid)
	}
	m.ldlbInfo = ldlb
	m.dbbtSearch = ldlb.DbbtSearch

	for i := 0; i < 2; i++ {
		page, layout, err := m.findDBBT(i)
		switch {
		case err == nil:
			m.dbbt[i] = m.locationOf(page, bootblock.LocationValid)
			m.dbbtLayout = layout
		case isNotFound(err) || errors.CodeOf(err) == errors.EBADCOOKIE:
			m.dbbt[i].State = bootblock.LocationInvalid
		default:
			return err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"ncb":  [2]string{m.ncb[0].String(), m.ncb[1].String()},
		"ldlb": [2]string{m.ldlb[0].String(), m.ldlb[1].String()},
		"dbbt": [2]string{m.dbbt[0].String(), m.dbbt[1].String()},
	}).Debug("found boot control blocks")
	return nil
}
