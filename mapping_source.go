package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadMappingFile 依副檔名讀取對照表來源並建立對照表
func LoadMappingFile(cfg MappingConfig, logger *zap.Logger) (*MappingTable, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		registers, units *Sheet
		err              error
	)

	switch ext := strings.ToLower(filepath.Ext(cfg.Path)); ext {
	case ".xlsx", ".xlsm":
		registers, units, err = readXLSX(cfg, logger)
	case ".csv":
		registers, units, err = readCSV(cfg, logger)
	case ".yaml", ".yml":
		registers, units, err = readYAML(cfg)
	default:
		return nil, fmt.Errorf("不支援的對照表格式: %q", ext)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("已讀取對照表來源",
		zap.String("path", cfg.Path),
		zap.String("register_sheet", registers.Name),
		zap.String("unit_sheet", units.Name),
		zap.Int("register_rows", len(registers.Rows)),
		zap.Int("unit_rows", len(units.Rows)),
	)

	return LoadMapping(registers, units, cfg.Columns, logger)
}

// readXLSX 第一個工作表為暫存器清單, 名稱含 "Unit ID" 或 "mapping" 的工作表為 Unit ID 對照
func readXLSX(cfg MappingConfig, logger *zap.Logger) (*Sheet, *Sheet, error) {
	f, err := excelize.OpenFile(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("開啟 Excel 檔案失敗: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("Excel 檔案 %s 沒有任何工作表", cfg.Path)
	}

	regName := cfg.RegisterSheet
	if regName == "" {
		regName = sheets[0]
	}

	unitName := cfg.UnitSheet
	if unitName == "" {
		for _, name := range sheets {
			if name == regName {
				continue
			}
			if strings.Contains(name, "Unit ID") || strings.Contains(name, "mapping") {
				unitName = name
				break
			}
		}
	}

	rows, err := f.GetRows(regName)
	if err != nil {
		return nil, nil, fmt.Errorf("讀取工作表 %q 失敗: %w", regName, err)
	}
	registers := sheetFromRows(regName, rows, cfg.HeaderRow)

	if unitName == "" {
		logger.Warn("找不到 Unit ID 對照工作表, 使用空白對照", zap.String("path", cfg.Path))
		return registers, emptyUnitSheet(cfg.Columns), nil
	}

	rows, err = f.GetRows(unitName)
	if err != nil {
		return nil, nil, fmt.Errorf("讀取工作表 %q 失敗: %w", unitName, err)
	}

	return registers, sheetFromRows(unitName, rows, cfg.UnitHeaderRow), nil
}

// readCSV 暫存器與 Unit ID 各一個檔案
func readCSV(cfg MappingConfig, logger *zap.Logger) (*Sheet, *Sheet, error) {
	registers, err := readCSVFile(cfg.Path, cfg.HeaderRow)
	if err != nil {
		return nil, nil, err
	}

	if cfg.UnitPath == "" {
		logger.Warn("未設定 Unit ID 對照檔, 使用空白對照")
		return registers, emptyUnitSheet(cfg.Columns), nil
	}

	units, err := readCSVFile(cfg.UnitPath, cfg.UnitHeaderRow)
	if err != nil {
		return nil, nil, err
	}

	return registers, units, nil
}

func readCSVFile(path string, headerRow int) (*Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("開啟 CSV 檔案失敗: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("解析 CSV 檔案 %s 失敗: %w", path, err)
	}

	return sheetFromRows(filepath.Base(path), rows, headerRow), nil
}

// mappingDocument YAML 對照表
type mappingDocument struct {
	Registers []map[string]any `yaml:"registers"`
	Units     []map[string]any `yaml:"units"`
}

// readYAML 以固定鍵 (service, parameter, address, count / instance, unit) 描述對照
func readYAML(cfg MappingConfig) (*Sheet, *Sheet, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("讀取 YAML 檔案失敗: %w", err)
	}

	var doc mappingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("解析 YAML 檔案 %s 失敗: %w", cfg.Path, err)
	}

	cols := cfg.Columns
	registers := &Sheet{
		Name:   "registers",
		Header: []string{cols.Service, cols.Parameter, cols.Address, cols.Count},
	}
	for _, entry := range doc.Registers {
		registers.Rows = append(registers.Rows, []string{
			yamlCell(entry["service"]),
			yamlCell(entry["parameter"]),
			yamlCell(entry["address"]),
			yamlCell(entry["count"]),
		})
	}

	units := &Sheet{
		Name:   "units",
		Header: []string{cols.InstanceID, cols.Unit},
	}
	for _, entry := range doc.Units {
		units.Rows = append(units.Rows, []string{
			yamlCell(entry["instance"]),
			yamlCell(entry["unit"]),
		})
	}

	return registers, units, nil
}

func yamlCell(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// sheetFromRows headerRow 從 1 起算, 之前的列 (標題說明等) 會被忽略
func sheetFromRows(name string, rows [][]string, headerRow int) *Sheet {
	if headerRow < 1 {
		headerRow = 1
	}

	s := &Sheet{Name: name, HeaderLine: headerRow}
	if len(rows) < headerRow {
		return s
	}

	s.Header = rows[headerRow-1]
	s.Rows = rows[headerRow:]
	return s
}

func emptyUnitSheet(cols MappingColumns) *Sheet {
	return &Sheet{Name: "units", Header: []string{cols.InstanceID, cols.Unit}}
}
