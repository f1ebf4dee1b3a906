package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func testMappingConfig(path string) MappingConfig {
	cfg := DefaultConfig().Mapping
	cfg.Path = path
	return cfg
}

func writeTestWorkbook(t *testing.T, withUnits bool) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetSheetName("Sheet1", "Field list"))
	require.NoError(t, f.SetSheetRow("Field list", "A1", &[]any{"CCGX Modbus-TCP register list"}))
	require.NoError(t, f.SetSheetRow("Field list", "A2", &[]any{"dbus-service-name", "description", "Address"}))
	require.NoError(t, f.SetSheetRow("Field list", "A3", &[]any{"com.victronenergy.battery", "Battery voltage", 259}))
	require.NoError(t, f.SetSheetRow("Field list", "A4", &[]any{"com.victronenergy.battery", "Current", 261}))
	require.NoError(t, f.SetSheetRow("Field list", "A5", &[]any{"com.victronenergy.battery", "Reserved", "-"}))

	if withUnits {
		_, err := f.NewSheet("Unit ID mapping")
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Unit ID mapping", "A1", &[]any{"/DeviceInstance", "Unit ID"}))
		require.NoError(t, f.SetSheetRow("Unit ID mapping", "A2", &[]any{288, 225}))
	}

	path := filepath.Join(t.TempDir(), "registers.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadMappingFile_XLSX(t *testing.T) {
	path := writeTestWorkbook(t, true)

	m, err := LoadMappingFile(testMappingConfig(path), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	b, ok := m.Register("com.victronenergy.battery", "Battery voltage")
	require.True(t, ok)
	assert.Equal(t, uint16(259), b.Address)

	u, ok := m.Unit(288)
	require.True(t, ok)
	assert.Equal(t, uint8(225), u)
}

func TestLoadMappingFile_XLSXWithoutUnitSheet(t *testing.T) {
	path := writeTestWorkbook(t, false)

	m, err := LoadMappingFile(testMappingConfig(path), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 0, m.UnitCount())
}

func TestLoadMappingFile_CSV(t *testing.T) {
	dir := t.TempDir()
	regPath := filepath.Join(dir, "registers.csv")
	unitPath := filepath.Join(dir, "units.csv")

	require.NoError(t, os.WriteFile(regPath, []byte(
		"title line\n"+
			"dbus-service-name,description,Address\n"+
			"com.victronenergy.solarcharger,PV voltage,776\n"+
			"com.victronenergy.solarcharger,Yield today,784\n"), 0644))
	require.NoError(t, os.WriteFile(unitPath, []byte(
		"/DeviceInstance,Unit ID\n"+
			"279,226\n"), 0644))

	cfg := testMappingConfig(regPath)
	cfg.UnitPath = unitPath

	m, err := LoadMappingFile(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"PV voltage", "Yield today"}, m.Parameters("com.victronenergy.solarcharger"))
	u, ok := m.Unit(279)
	require.True(t, ok)
	assert.Equal(t, uint8(226), u)
}

func TestLoadMappingFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registers:
  - service: com.victronenergy.vebus
    parameter: Input voltage phase 1
    address: 3
  - service: com.victronenergy.grid
    parameter: Total energy
    address: 2634
    count: 2
units:
  - instance: 276
    unit: 227
`), 0644))

	m, err := LoadMappingFile(testMappingConfig(path), zap.NewNop())
	require.NoError(t, err)

	b, ok := m.Register("com.victronenergy.grid", "Total energy")
	require.True(t, ok)
	assert.Equal(t, RegisterBinding{Address: 2634, Count: 2}, b)

	u, ok := m.Unit(276)
	require.True(t, ok)
	assert.Equal(t, uint8(227), u)
}

func TestLoadMappingFile_UnsupportedExtension(t *testing.T) {
	_, err := LoadMappingFile(testMappingConfig("mapping.txt"), zap.NewNop())
	assert.Error(t, err)
}

func TestSheetFromRows(t *testing.T) {
	rows := [][]string{{"title"}, {"a", "b"}, {"1", "2"}}

	s := sheetFromRows("s", rows, 2)
	assert.Equal(t, []string{"a", "b"}, s.Header)
	assert.Equal(t, [][]string{{"1", "2"}}, s.Rows)
	assert.Equal(t, 2, s.HeaderLine)

	s = sheetFromRows("s", rows, 5)
	assert.Empty(t, s.Header)
	assert.Empty(t, s.Rows)
}
